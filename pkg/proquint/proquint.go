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

// Package proquint spells integers as pronounceable words, e.g. 1 as
// "babad" and 241418941 as "bunog-saput". Attached FUSE daemons without a
// source of their own are named this way after their connection.
package proquint

import (
	"errors"
	"strings"
)

const (
	consonants = "bdfghjklmnprstvz"
	vowels     = "aiou"
)

// ErrSyntax is returned for strings that are not proquints.
var ErrSyntax = errors.New("proquint: invalid syntax")

// Each 16-bit word is five letters, where "con" is four bits spelled as a
// consonant and "vo" two bits spelled as a vowel:
//
//      0 1 2 3 4 5 6 7 8 9 A B C D E F
//      +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//      |con    |vo |con    |vo |con    |
//      +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
func appendWord(b []byte, w uint16) []byte {
	for j := 0; j < 5; j++ {
		if j%2 == 0 {
			b = append(b, consonants[w>>12])
			w <<= 4
		} else {
			b = append(b, vowels[w>>14])
			w <<= 2
		}
	}
	return b
}

func encode(v uint64, words int) string {
	b := make([]byte, 0, words*6)
	for i := words - 1; i >= 0; i-- {
		if len(b) > 0 {
			b = append(b, '-')
		}
		b = appendWord(b, uint16(v>>(16*uint(i))))
	}
	return string(b)
}

// Uint16 spells i as one word.
func Uint16(i uint16) string { return encode(uint64(i), 1) }

// Uint32 spells i as two words, high half first.
func Uint32(i uint32) string { return encode(uint64(i), 2) }

// Uint64 spells i as four words, high half first.
func Uint64(i uint64) string { return encode(i, 4) }

// Parse reads a proquint of one, two or four words.
func Parse(s string) (uint64, error) {
	words := strings.Split(s, "-")
	switch len(words) {
	case 1, 2, 4:
	default:
		return 0, ErrSyntax
	}
	var v uint64
	for _, word := range words {
		if len(word) != 5 {
			return 0, ErrSyntax
		}
		for j := 0; j < 5; j++ {
			if j%2 == 0 {
				k := strings.IndexByte(consonants, word[j])
				if k < 0 {
					return 0, ErrSyntax
				}
				v = v<<4 | uint64(k)
			} else {
				k := strings.IndexByte(vowels, word[j])
				if k < 0 {
					return 0, ErrSyntax
				}
				v = v<<2 | uint64(k)
			}
		}
	}
	return v, nil
}
