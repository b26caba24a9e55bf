package models

// RawRecord is one undecoded stream payload plus the delivery metadata
// the pipeline needs: the arrival token (stable across redeliveries of
// the same logical record) and the partition it arrived on.
type RawRecord struct {
	Data      []byte
	SeqToken  string
	Partition int
}
