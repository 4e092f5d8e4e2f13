// Copyright 2018 The Kura Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package streaming splits buffers into bounded chunks for transports that
// cap the size of a single message.
package streaming

// Chunker iterates over consecutive chunks of a byte slice. It is
// positioned before the first chunk; call Next to advance.
type Chunker struct {
	size     int
	off, end int
	source   []byte
}

// NewChunker returns a chunker over source yielding chunks of at most size
// bytes, or ChunkSize if size is not positive.
func NewChunker(source []byte, size int) *Chunker {
	if size <= 0 {
		size = ChunkSize
	}
	return &Chunker{size: size, source: source}
}

// Next advances to the next chunk, reporting whether there is one.
func (c *Chunker) Next() bool {
	c.off = c.end
	if c.off >= len(c.source) {
		return false
	}
	c.end = c.off + c.size
	if c.end > len(c.source) {
		c.end = len(c.source)
	}
	return true
}

// Value returns the current chunk. It aliases the source.
func (c *Chunker) Value() []byte { return c.source[c.off:c.end] }

// Offset returns the position of the current chunk in the source.
func (c *Chunker) Offset() int { return c.off }
