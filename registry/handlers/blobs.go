package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/trow-registry/trow"
	"github.com/trow-registry/trow/internal/dcontext"
	"github.com/trow-registry/trow/internal/ociref"
	"github.com/trow-registry/trow/registry/api/errcode"
	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"
)

// blobDispatcher constructs the handler for serving blob content by digest.
func blobDispatcher(ctx *Context, r *http.Request) http.Handler {
	dgst, err := getDigest(ctx)
	if err != nil {
		if err == errDigestNotAvailable {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				ctx.Errors = append(ctx.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err))
			})
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx.Errors = append(ctx.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err))
		})
	}

	blobHandler := &blobHandler{
		Context: ctx,
		isCache: ctx.isCache,
		Digest:  dgst,
	}

	return handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(blobHandler.GetBlob),
		http.MethodHead: http.HandlerFunc(blobHandler.GetBlob),
	}
}

// blobHandler serves blob content addressed by digest.
type blobHandler struct {
	*Context

	// isCache is true if this registry is configured as a pull through cache.
	isCache bool

	Digest digest.Digest
}

// GetBlob fetches the binary data from backend storage and writes it to the
// response, delegating to the blob store's ServeBlob so storage drivers
// that support redirects (e.g. presigned URLs) can use them.
func (bh *blobHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(bh).Debug("GetBlob")

	if bh.isCache {
		if alias, remoteRepo, ok := ociref.SplitProxyRepo(bh.Repository.Named()); ok {
			bh.serveProxiedBlob(w, r, alias, remoteRepo)
			return
		}
	}

	blobs := bh.Repository.Blobs(bh)
	desc, err := blobs.Stat(bh, bh.Digest)
	if err != nil {
		if err == distribution.ErrBlobUnknown {
			bh.Errors = append(bh.Errors, errcode.ErrorCodeBlobUnknown.WithDetail(bh.Digest))
		} else {
			bh.Errors = append(bh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	w.Header().Set("Docker-Content-Digest", desc.Digest.String())

	if err := blobs.ServeBlob(bh, w, r, desc.Digest); err != nil {
		dcontext.GetLogger(bh).Debugf("unexpected error getting blob HTTP handler: %s", err)
		bh.Errors = append(bh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}

// serveProxiedBlob resolves a blob read against a f/<alias>/<repo> proxy
// repository through the proxy engine, fetching from the upstream on a
// local cache miss, per spec §4.6.
func (bh *blobHandler) serveProxiedBlob(w http.ResponseWriter, r *http.Request, alias, remoteRepo string) {
	desc, rc, err := bh.App.Proxy().GetBlob(bh, alias, remoteRepo, bh.Digest)
	if err != nil {
		dcontext.GetLogger(bh).Errorf("proxy: resolving blob %s/%s@%s: %v", alias, remoteRepo, bh.Digest, err)
		bh.Errors = append(bh.Errors, errcode.ErrorCodeBlobUnknown.WithDetail(bh.Digest))
		return
	}
	defer rc.Close()

	w.Header().Set("Docker-Content-Digest", desc.Digest.String())
	w.Header().Set("Content-Type", desc.MediaType)
	w.Header().Set("Content-Length", fmt.Sprint(desc.Size))

	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(w, rc); err != nil {
		dcontext.GetLogger(bh).Debugf("error writing proxied blob response: %v", err)
	}
}
