package model

import "errors"

var (
	// cache or dataset store cannot be opened
	ErrStorageUnavailable = errors.New("storage unavailable")
	// skip silently; never surfaced by version checks or tile fetches
	ErrNetworkUnavailable = errors.New("network unavailable")
	// unparseable cached value or missing backing file
	ErrCorruptEntry = errors.New("corrupt cache entry")
	// download did not complete; prior active version is kept
	ErrPartialDownload = errors.New("partial download")
	// malformed filter or store-level query failure
	ErrQuery = errors.New("query error")

	ErrNotFound = errors.New("not found")
)
