// Copyright 2026 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package throttle

// fifo is a slice-backed queue. The zero value is empty and ready to use.
type fifo[T any] struct {
	items []T
	head  int
}

func (f *fifo[T]) len() int {
	return len(f.items) - f.head
}

func (f *fifo[T]) push(v T) {
	f.items = append(f.items, v)
}

func (f *fifo[T]) peek() (T, bool) {
	if f.len() == 0 {
		var zero T
		return zero, false
	}
	return f.items[f.head], true
}

func (f *fifo[T]) pop() (T, bool) {
	var zero T
	if f.len() == 0 {
		return zero, false
	}
	v := f.items[f.head]
	f.items[f.head] = zero
	f.head++
	switch {
	case f.head == len(f.items):
		f.items = f.items[:0]
		f.head = 0
	case f.head >= 32 && f.head*2 >= len(f.items):
		n := copy(f.items, f.items[f.head:])
		clear(f.items[n:])
		f.items = f.items[:n]
		f.head = 0
	}
	return v, true
}
