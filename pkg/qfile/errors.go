package qfile

import "errors"

var (
	// ErrBadMagic is returned when a file does not start with the container
	// magic.
	ErrBadMagic = errors.New("qfile: bad magic")

	// ErrUnsupportedVersion is returned when the file's format version is
	// newer than this reader understands.
	ErrUnsupportedVersion = errors.New("qfile: unsupported version")

	// ErrCorrupt is returned when sizes, offsets, or header fields are
	// inconsistent with the file contents.
	ErrCorrupt = errors.New("qfile: corrupt file")

	// ErrWrongDType is returned when a file is decoded as the wrong element
	// type, for example calling Quant on a float32 file.
	ErrWrongDType = errors.New("qfile: wrong dtype")
)
