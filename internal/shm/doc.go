/*
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package shm provides the shared memory primitives behind the rendezvous
// channel.
//
// A Region is a fixed-capacity, single-slot buffer in a named memory-mapped
// file that two processes on the same host map at once. A Semaphore is a
// named, process-shared counting semaphore built on a futex word in its own
// small mapping. A Pair combines two semaphores, writerTurn and readerTurn,
// into the strict alternation handshake that decides which process may touch
// the region.
//
// The region carries no locking of its own. All access must go through the
// turn handshake; the slot's valid flag is only a secondary check.
package shm
