package entry

// TTL & state protocol (spec.md §4.3).
//
// "Alive" <=> state = VALID and (expires_at_ns = 0 or now_ns < expires_at_ns).
// A TTL of -1 seconds is the infinite-TTL sentinel (expires_at_ns = 0).

// IsAlive reports whether the entry at off is observably live at nowNs.
func IsAlive(buf []byte, off int64, nowNs int64) bool {
	if State(buf, off) != StateValid {
		return false
	}
	expires := ExpiresAtNs(buf, off)
	return expires == 0 || nowNs < int64(expires)
}

// IsExpired reports whether a VALID entry's wall-clock TTL has elapsed.
// It does not consider DELETED/EXPIRED entries (those are simply not
// VALID, which IsAlive already handles).
func IsExpired(buf []byte, off int64, nowNs int64) bool {
	if State(buf, off) != StateValid {
		return false
	}
	expires := ExpiresAtNs(buf, off)
	return expires != 0 && nowNs >= int64(expires)
}

// RemainingTTLSeconds implements spec.md §4.3's remaining_ttl_seconds:
// -1 if infinite, 0 if already past expiry, else floor((expires-now)/1e9).
func RemainingTTLSeconds(buf []byte, off int64, nowNs int64) int64 {
	ttl := TTLSeconds(buf, off)
	if ttl < 0 {
		return -1
	}
	expires := int64(ExpiresAtNs(buf, off))
	if expires == 0 {
		return -1
	}
	if nowNs >= expires {
		return 0
	}
	return (expires - nowNs) / int64(1e9)
}

// InitTTL stamps ttlSeconds/createdAtNs/expiresAtNs for a brand-new entry
// being written between TryBeginWrite and Publish. The version counter is
// reset to 0 too: the block may be a reused free-list entry carrying a
// stale version from a previous, unrelated occupant, and a reader's
// version-recheck loop (spec.md §4.5 "(b)") must never compare against
// that leftover value.
func InitTTL(buf []byte, off int64, ttlSeconds int32, nowNs int64) {
	setCreatedAtNs(buf, off, uint64(nowNs))
	setTTLSeconds(buf, off, ttlSeconds)
	setExpiresAtNs(buf, off, computeExpiresAt(ttlSeconds, nowNs))
	SetVersion(buf, off, 0)
}

// SetTTL implements spec.md §4.3's set_ttl: resets created_at_ns to now
// and recomputes expires_at_ns from the new ttl.
func SetTTL(buf []byte, off int64, ttlSeconds int32, nowNs int64) {
	setCreatedAtNs(buf, off, uint64(nowNs))
	setTTLSeconds(buf, off, ttlSeconds)
	setExpiresAtNs(buf, off, computeExpiresAt(ttlSeconds, nowNs))
}

func computeExpiresAt(ttlSeconds int32, nowNs int64) uint64 {
	if ttlSeconds < 0 {
		return 0
	}
	return uint64(nowNs) + uint64(ttlSeconds)*uint64(1e9)
}
