// Package models contains data types shared between the storage backends
// and the sync engine.
package models

import "strings"

// GiB is the number of bytes in one gibibyte.
const GiB = 1 << 30

// Object is one entry of a remote listing.
type Object struct {
	Key  string `json:"key"`
	ETag string `json:"etag"`
	Size int64  `json:"size"`
}

// SizeGiB returns the object size in GiB.
func (o Object) SizeGiB() float64 {
	return float64(o.Size) / GiB
}

// NormalizeETag strips the surrounding quotes object stores put on ETags.
func NormalizeETag(etag string) string {
	return strings.Trim(etag, `"'`)
}
