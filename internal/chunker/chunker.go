package chunker

import (
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"
)

// Chunker splits a stream of data into chunks.
type Chunker interface {
	// Next returns the next chunk of data.
	// It returns io.EOF when there are no more chunks.
	Next() ([]byte, error)
}

// NewChunker creates a new Chunker implementation using the fixed-size
// splitter from boxo/chunker.
func NewChunker(r io.Reader, size int64) Chunker {
	return &boxoChunkerWrapper{
		splitter: boxochunker.NewSizeSplitter(r, size),
	}
}

type boxoChunkerWrapper struct {
	splitter boxochunker.Splitter
}

func (c *boxoChunkerWrapper) Next() ([]byte, error) {
	return c.splitter.NextBytes()
}
