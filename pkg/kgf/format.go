package kgf

import "errors"

const (
	// MagicKGF identifies a graph container file.
	MagicKGF = "KGF\x00"
	// MagicKGT identifies a single-tensor fixture file.
	MagicKGT = "KGT\x00"

	// CurrentMajor changes only on breaking layout changes.
	CurrentMajor uint16 = 1
	CurrentMinor uint16 = 0

	headerSize = 24

	// Tensor payloads are aligned so mmap'd data can be viewed in place.
	payloadAlign = 8
)

var (
	ErrCorruptFile  = errors.New("kgf: corrupt file")
	ErrBadMagic     = errors.New("kgf: bad magic")
	ErrIncompatible = errors.New("kgf: incompatible major version")
)

// attribute record kinds
const (
	attrNone uint8 = iota
	attrConv
	attrCast
	attrGather
	attrConcat
	attrSplit
	attrTranspose
	attrSoftmax
	attrAttention
	attrLayerNorm
	attrQuant
)
