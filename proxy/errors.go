package proxy

import "errors"

// ErrUnknownAlias is returned when a request names a proxy alias that is
// not configured.
var ErrUnknownAlias = errors.New("proxy: unknown upstream alias")

// ErrRepoIgnored is returned when the requested repository is listed in
// an upstream's ignore_repos.
var ErrRepoIgnored = errors.New("proxy: repository is not proxied")

// ErrOffline is returned when a local cache miss occurs while the proxy
// engine is configured for offline mode.
var ErrOffline = errors.New("proxy: offline, and content is not cached locally")
