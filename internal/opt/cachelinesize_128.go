//go:build qsync_cachelinesize_128

package opt

// CacheLineSize_ is force-set to 128 via the qsync_cachelinesize_128 build tag.
// Use: go build -tags=qsync_cachelinesize_128
const CacheLineSize_ = 128
