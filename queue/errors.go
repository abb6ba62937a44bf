// Copyright 2025 Poiesic Systems
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


package queue

import "errors"

var (
	// ErrNotFound indicates the message is not in the expected area.
	ErrNotFound = errors.New("message not found")

	// ErrLeaseExpired indicates the receipt no longer owns the message,
	// either because the visibility timeout passed or the message was settled.
	ErrLeaseExpired = errors.New("message lease expired")

	// ErrBrokerClosed indicates the broker was closed.
	ErrBrokerClosed = errors.New("broker is closed")

	// ErrInvalidPolicy indicates a redelivery policy failed validation.
	ErrInvalidPolicy = errors.New("invalid redelivery policy")

	// ErrEmptyBody indicates Publish was called without a payload.
	ErrEmptyBody = errors.New("message body is empty")
)

// Dead-letter reasons recorded by brokers.
const (
	ReasonMaxReceives = "max receive count exceeded"
	ReasonRejected    = "rejected"
)
