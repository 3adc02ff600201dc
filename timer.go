// Copyright 2024 The CoAP Core Authors
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

package coap

import "time"

// TimerHandle cancels a scheduled callback. Cancel is safe to call more
// than once and after the callback has already fired.
type TimerHandle interface {
	Cancel()
}

// TimerService abstracts "call this function after this long" so tests can
// swap in a manual clock instead of sleeping real seconds.
type TimerService interface {
	Schedule(delay time.Duration, fn func()) TimerHandle
}

// realTimerService schedules callbacks on the Go runtime's own timers.
type realTimerService struct{}

// NewRealTimerService returns a TimerService backed by time.AfterFunc.
func NewRealTimerService() TimerService { return realTimerService{} }

type realTimerHandle struct {
	t *time.Timer
}

func (realTimerService) Schedule(delay time.Duration, fn func()) TimerHandle {
	return &realTimerHandle{t: time.AfterFunc(delay, fn)}
}

func (h *realTimerHandle) Cancel() {
	h.t.Stop()
}
