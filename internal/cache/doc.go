// Package cache stores complete upstream responses on disk, one file per
// key. Entries are written to a temp file in the cache directory and renamed
// into place, so readers in any worker see either nothing or a whole entry.
package cache
