//go:build qsync_cachelinesize_64

package opt

// CacheLineSize_ is force-set to 64 via the qsync_cachelinesize_64 build tag.
// Use: go build -tags=qsync_cachelinesize_64
const CacheLineSize_ = 64
