package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/trow-registry/trow"
	"github.com/trow-registry/trow/admission"
	"github.com/trow-registry/trow/configuration"
	"github.com/trow-registry/trow/gc"
	"github.com/trow-registry/trow/health"
	"github.com/trow-registry/trow/internal/dcontext"
	"github.com/trow-registry/trow/metadata"
	"github.com/trow-registry/trow/proxy"
	"github.com/trow-registry/trow/registry/api/errcode"
	v2 "github.com/trow-registry/trow/registry/api/v2"
	"github.com/trow-registry/trow/registry/auth"
	"github.com/trow-registry/trow/registry/auth/basic"
	"github.com/trow-registry/trow/registry/storage"
	"github.com/trow-registry/trow/registry/storage/cache"
	cachemetrics "github.com/trow-registry/trow/registry/storage/cache/metrics"
	_ "github.com/trow-registry/trow/registry/storage/cache/memory"
	_ "github.com/trow-registry/trow/registry/storage/cache/redis"
	storagedriver "github.com/trow-registry/trow/registry/storage/driver"
	"github.com/trow-registry/trow/registry/storage/driver/factory"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// App is a global registry application object. Shared resources can be
// placed on this object that will be accessible from all requests.
type App struct {
	context.Context

	Config *configuration.Configuration

	// InstanceID is a unique id assigned to the application on each creation.
	// Provides information in the logs and context to identify restarts.
	InstanceID string

	router           *mux.Router                // main application router, configured with dispatchers
	driver           storagedriver.StorageDriver // driver maintains the app global storage driver instance.
	registry         distribution.Namespace      // registry is the primary registry backend for the app instance.
	accessController auth.AccessController       // main access controller for application

	// readOnly, when true, rejects any request that would mutate the
	// registry (push, delete, upload). Derived from Storage's maintenance
	// configuration.
	readOnly bool

	// isCache is true when this instance is acting as a pull-through cache
	// of a remote registry, per Config.Proxy.
	isCache bool

	// repositoryExtensions lists the OCI distribution-spec extensions this
	// instance advertises under /v2/<name>/_extensions.
	repositoryExtensions []string

	// metadata indexes blob and manifest bookkeeping beyond what the
	// storage driver tracks directly: upload progress, proxy blob
	// provenance, and reference counts used by garbage collection.
	metadata *metadata.DB

	// watchdog is the background collector that reclaims stale uploads,
	// orphaned blobs, and (in cache mode) evicts the oldest proxied
	// content once the configured size budget is exceeded.
	watchdog *gc.Watchdog

	// proxyEngine serves reads against f/<alias>/<repo> repositories from
	// a configured upstream on a local cache miss. Nil unless isCache.
	proxyEngine *proxy.Engine

	// admissionController serves /validate-image and /mutate-image. Nil
	// unless Config.Admission.Enabled.
	admissionController *admission.Controller
}

// Proxy returns the pull-through cache engine, or nil if this instance
// is not configured as a proxy.
func (app *App) Proxy() *proxy.Engine {
	return app.proxyEngine
}

// Value intercepts calls to context.Context.Value, returning the current
// app id, if requested.
func (app *App) Value(key interface{}) interface{} {
	switch key {
	case "app.id":
		return app.InstanceID
	}

	return app.Context.Value(key)
}

// NewApp takes a configuration and returns a configured app, ready to serve
// requests. The app only implements ServeHTTP and can be wrapped in other
// handlers accordingly.
func NewApp(ctx context.Context, config *configuration.Configuration) (*App, error) {
	app := &App{
		Config:               config,
		Context:              ctx,
		InstanceID:           uuid.New().String(),
		router:               v2.RouterWithPrefix(config.HTTP.Prefix),
		readOnly:             isReadOnly(config.Storage),
		isCache:              len(config.Proxy.Proxies) > 0 || config.Proxy.RemoteURL != "",
		repositoryExtensions: []string{},
	}

	app.Context = dcontext.WithLogger(app.Context, dcontext.GetLogger(app, "app.id"))

	app.register(v2.RouteNameBase, func(ctx *Context, r *http.Request) http.Handler {
		return http.HandlerFunc(apiBase)
	})
	app.register(v2.RouteNameManifest, manifestDispatcher)
	app.register(v2.RouteNameTags, tagsDispatcher)
	app.register(v2.RouteNameBlob, blobDispatcher)
	app.register(v2.RouteNameBlobUpload, blobUploadDispatcher)
	app.register(v2.RouteNameBlobUploadChunk, blobUploadDispatcher)
	app.register(v2.RouteNameCatalog, catalogDispatcher)
	app.register(v2.RouteNameExtensionsRegistry, extensionsDispatcher)
	app.register(v2.RouteNameExtensionsRepository, extensionsDispatcher)

	var err error
	app.driver, err = factory.Create(config.Storage.Type(), config.Storage.Parameters())
	if err != nil {
		return nil, fmt.Errorf("configuring storage driver: %v", err)
	}

	registryOptions := []storage.RegistryOption{
		storage.TagLookupConcurrencyLimit(storage.DefaultConcurrencyLimit),
	}

	if _, ok := config.Storage["redirect"]; ok {
		registryOptions = append(registryOptions, storage.EnableRedirect)
	}

	if !app.readOnly {
		registryOptions = append(registryOptions, storage.EnableDelete)
	}

	if cacheConfig, ok := config.Storage["cache"]; ok {
		if name, ok := cacheConfig["blobdescriptor"].(string); ok && name != "" {
			provider, err := cache.Get(app, name, map[string]interface{}{"params": cacheConfig})
			if err != nil {
				dcontext.GetLogger(app).Errorf("unable to configure blob descriptor cache (%s): %v", name, err)
			} else {
				provider = cachemetrics.NewPrometheusCacheProvider(
					provider,
					"cache",
					"Measures the number of seconds taken by blobdescriptorcacheprovider.",
				)
				registryOptions = append(registryOptions, storage.BlobDescriptorCacheProvider(provider))
			}
		}
	}

	app.registry, err = storage.NewRegistry(app, app.driver, registryOptions...)
	if err != nil {
		return nil, fmt.Errorf("configuring registry: %v", err)
	}

	authType := config.Auth.Type()
	if authType != "" {
		accessController, err := auth.GetAccessController(authType, config.Auth.Parameters())
		if err != nil {
			return nil, fmt.Errorf("configuring authorization (%s): %v", authType, err)
		}
		app.accessController = accessController
	}

	if path, ok := config.Storage.Parameters()["metadatadb"].(string); ok && path != "" {
		db, err := metadata.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening metadata database: %v", err)
		}
		app.metadata = db

		vacuum := storage.NewVacuum(app, app.driver)
		app.watchdog = gc.NewWatchdog(db, vacuum, app.driver, gc.Config{
			MaxSize: maxCacheSize(config),
		})
		go app.watchdog.Run(app)
	}

	if app.isCache {
		app.proxyEngine = proxy.New(config.Proxy, app.registry, app.metadata)
	}

	if config.Admission.Enabled {
		app.admissionController = admission.NewController(config)
	}

	return app, nil
}

// isReadOnly inspects the storage configuration's maintenance section for a
// "readonly.enabled" flag, mirroring the nested-map shape the rest of the
// maintenance parameters use.
func isReadOnly(storageConfig configuration.Storage) bool {
	maintenance, ok := storageConfig["maintenance"]
	if !ok {
		return false
	}

	readOnly, ok := maintenance["readonly"]
	if !ok {
		return false
	}

	switch m := readOnly.(type) {
	case map[interface{}]interface{}:
		enabled, _ := m["enabled"].(bool)
		return enabled
	case map[string]interface{}:
		enabled, _ := m["enabled"].(bool)
		return enabled
	default:
		return false
	}
}

// maxCacheSize resolves the byte budget the garbage collector enforces
// over all indexed blobs, evicting proxy-cached content when it is
// exceeded. A zero value disables size-based eviction.
func maxCacheSize(config *configuration.Configuration) int64 {
	return config.Proxy.MaxSize
}

// register a handler with the application, by route name. The handler will
// be passed through the application filters and context will be constructed
// at request time.
func (app *App) register(routeName string, dispatch dispatchFunc) {
	app.router.GetRoute(routeName).Handler(app.dispatcher(dispatch))
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	w.Header().Add("Docker-Distribution-API-Version", "registry/2.0")
	app.router.ServeHTTP(w, r)
}

// Handler wraps app with the cross-cutting middleware configured on it: CORS
// (when enabled), the Kubernetes admission webhook routes (when enabled),
// and the health gate that returns 503 while a liveness or readiness check
// is failing.
func (app *App) Handler() http.Handler {
	var h http.Handler = app

	if app.admissionController != nil {
		mux := http.NewServeMux()
		app.admissionController.Register(mux)
		mux.Handle("/", h)
		h = mux
	}

	if app.Config.HTTP.CORS.Enabled {
		origins := app.Config.HTTP.CORS.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		methods := app.Config.HTTP.CORS.AllowedMethods
		if len(methods) == 0 {
			methods = []string{http.MethodGet, http.MethodHead}
		}

		h = handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedMethods(methods),
			handlers.AllowedHeaders(app.Config.HTTP.CORS.AllowedHeaders),
		)(h)
	}

	return health.Handler(h)
}

// dispatchFunc takes a context and request and returns a constructed handler
// for the route. The dispatcher will use this to dynamically create request
// specific handlers for each endpoint without creating a new router for
// each request.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// singleStatusResponseWriter only allows the first status to be written to
// be the valid request status.
type singleStatusResponseWriter struct {
	http.ResponseWriter
	status int
}

func (ssrw *singleStatusResponseWriter) WriteHeader(status int) {
	if ssrw.status != 0 {
		return
	}
	ssrw.status = status
	ssrw.ResponseWriter.WriteHeader(status)
}

func (ssrw *singleStatusResponseWriter) Flush() {
	if flusher, ok := ssrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// dispatcher returns a handler that constructs a request specific context
// and handler, using the dispatch factory function.
func (app *App) dispatcher(dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := app.context(w, r)

		defer func() {
			dcontext.GetLogger(ctx).Infof("response completed")
		}()

		if err := app.authorized(w, r, ctx); err != nil {
			dcontext.GetLogger(ctx).Errorf("error authorizing context: %v", err)
			return
		}

		if app.nameRequired(r) {
			repository, err := app.registry.Repository(ctx, getName(ctx))
			if err != nil {
				dcontext.GetLogger(ctx).Errorf("error resolving repository: %v", err)

				switch err.(type) {
				case distribution.ErrRepositoryUnknown:
					ctx.Errors = append(ctx.Errors, errcode.ErrorCodeNameUnknown.WithDetail(err))
				case distribution.ErrRepositoryNameInvalid:
					ctx.Errors = append(ctx.Errors, errcode.ErrorCodeNameInvalid.WithDetail(err))
				default:
					ctx.Errors = append(ctx.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
				}

				w.WriteHeader(http.StatusBadRequest)
				serveJSON(w, ctx.Errors)
				return
			}

			ctx.Repository = repository
		}

		handler := dispatch(ctx, r)

		ssrw := &singleStatusResponseWriter{ResponseWriter: w}
		handler.ServeHTTP(ssrw, r)

		// Automated error response handling here. The status comes from the
		// first error's code; a status the handler already wrote is kept.
		if ctx.Errors.Len() > 0 {
			serveJSON(w, ctx.Errors)
		}
	})
}

// context constructs the context object for the application. This should
// only be called once per request.
func (app *App) context(w http.ResponseWriter, r *http.Request) *Context {
	ctx := contextWithVars(app, r)
	ctx = dcontext.WithLogger(ctx, dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"vars.name":      getName(ctx),
		"vars.reference": getReference(ctx),
		"vars.uuid":      getUploadUUID(ctx),
	}))

	return &Context{
		App:                  app,
		Context:              ctx,
		Config:                app.Config,
		readOnly:             app.readOnly,
		isCache:              app.isCache,
		repositoryExtensions: app.repositoryExtensions,
		urlBuilder:           v2.NewURLBuilderFromRequest(r, app.Config.HTTP.RelativeURLs),
	}
}

// authorized checks if the request can proceed with access to the requested
// repository. If it succeeds, the context may access the requested
// repository. An error will be returned if access is not available.
func (app *App) authorized(w http.ResponseWriter, r *http.Request, ctx *Context) error {
	dcontext.GetLogger(ctx).Debug("authorizing request")
	repo := getName(ctx)

	if app.accessController == nil {
		return nil // access controller is not enabled.
	}

	if repo == "" && app.nameRequired(r) {
		// For this to be properly secured, repo must always be set for a
		// resource that may make a modification. The only condition under
		// which name is not set and we still allow access is when the
		// base route is accessed.
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		errs := errcode.Errors{errcode.ErrorCodeUnauthorized}
		serveJSON(w, errs)
		return fmt.Errorf("forbidden: no repository name")
	}

	resource := auth.Resource{Type: "repository", Name: repo}

	accessCtx, err := app.accessController.Authorized(basic.WithRequest(ctx.Context, r), resource, accessActions(r.Method)...)
	if err != nil {
		switch challenge := err.(type) {
		case auth.AuthenticationError:
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			challenge.SetChallengeHeaders(w.Header())
			w.WriteHeader(http.StatusUnauthorized)
			errs := errcode.Errors{errcode.ErrorCodeUnauthorized.WithDetail(challenge.AuthenticationErrorDetails())}
			serveJSON(w, errs)
		case auth.AuthorizationError:
			status := http.StatusForbidden
			if challenge.ResourceHidden() {
				status = http.StatusNotFound
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(status)
			errs := errcode.Errors{errcode.ErrorCodeDenied.WithDetail(challenge.AuthorizationErrorDetails())}
			serveJSON(w, errs)
		default:
			// This condition is a potential security problem either in the
			// configuration or whatever is backing the access controller.
			// Just return a bad request with no information to avoid
			// exposure. The request should not proceed.
			dcontext.GetLogger(ctx).Errorf("error checking authorization: %v", err)
			w.WriteHeader(http.StatusBadRequest)
		}

		return err
	}

	ctx.Context = accessCtx

	return nil
}

// nameRequired returns true if the route requires a repository name.
func (app *App) nameRequired(r *http.Request) bool {
	route := mux.CurrentRoute(r)
	return route == nil || route.GetName() != v2.RouteNameBase
}

// apiBase implements a simple yes-man for doing overall checks against the
// api. This can support auth roundtrips to support docker login.
func apiBase(w http.ResponseWriter, r *http.Request) {
	const emptyJSON = "{}"
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprint(len(emptyJSON)))
	fmt.Fprint(w, emptyJSON)
}

// accessActions returns the set of auth actions implied by an HTTP method.
func accessActions(method string) []string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return []string{"pull"}
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return []string{"pull", "push"}
	case http.MethodDelete:
		return []string{"*"}
	default:
		return nil
	}
}
