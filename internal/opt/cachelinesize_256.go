//go:build qsync_cachelinesize_256

package opt

// CacheLineSize_ is force-set to 256 via the qsync_cachelinesize_256 build tag.
// Use: go build -tags=qsync_cachelinesize_256
const CacheLineSize_ = 256
