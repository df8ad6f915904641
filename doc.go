// Package distribution defines the core domain types shared by every
// registry component: content descriptors, manifests, blobs, tags and the
// repository/namespace abstractions that storage, handlers and the proxy
// engine are built against.
//
// Concrete implementations (filesystem-backed repositories, pull-through
// proxies, metadata-indexed stores) all satisfy the interfaces declared
// here, so the rest of the module can be written against Repository,
// BlobStore, ManifestService and TagService without caring which backend
// is in play.
package distribution
