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

// Package coaplog adapts logrus to the coap.Logger interface, so the core
// package never imports a logging library directly.
package coaplog

import "github.com/sirupsen/logrus"

// Logrus wraps a *logrus.Entry as a coap.Logger.
type Logrus struct {
	Entry *logrus.Entry
}

// New builds a Logrus adapter from a *logrus.Logger, tagging every line with
// the "component":"coap" field.
func New(l *logrus.Logger) Logrus {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return Logrus{Entry: l.WithField("component", "coap")}
}

// Printf implements coap.Logger.
func (l Logrus) Printf(format string, v ...interface{}) {
	l.Entry.Printf(format, v...)
}
