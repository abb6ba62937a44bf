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


// Package queue defines the durable message buffer between the producer and
// the batch consumer.
//
// A Broker owns redelivery. Receiving a message leases it for the policy's
// visibility timeout; the consumer then settles the lease:
//
//   - Ack removes the message for good
//   - Nack makes it visible again after the policy's backoff
//   - Reject moves it to the dead-letter area at once
//
// A lease that expires unsettled behaves like a Nack without backoff. Each
// receive increments the message's receive count. A message whose count has
// reached RedeliveryPolicy.MaxReceiveCount is moved to the dead-letter area
// by the next receive instead of being delivered, so it is delivered exactly
// MaxReceiveCount times at most and never again afterwards.
//
// Dead letters are kept until an operator redrives or purges them.
//
// # Implementations
//
//   - queue/badger: embedded, durable, single-process
//   - queue/redis: networked, shared by any number of producers and consumers
package queue
