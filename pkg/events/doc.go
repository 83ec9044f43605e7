/*
Package events provides an in-memory event broker for the cluster
controller's pub/sub messaging, plus an optional WebSocket fan-out for
external subscribers.

The events package implements a lightweight event bus for broadcasting
job, step, node, and association lifecycle changes to interested
subscribers. It supports non-blocking publish with buffered per-
subscriber channels, enabling loose coupling between the scheduler,
reconciler, and any read-only HTTP surface that streams activity to
dashboards.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                 │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Event Types                       │          │
	│  │                                              │          │
	│  │  Job Events:                                │          │
	│  │    - job.submitted, job.started             │          │
	│  │    - job.completed, job.failed              │          │
	│  │    - job.cancelled, job.timeout              │          │
	│  │    - job.node_fail                          │          │
	│  │                                              │          │
	│  │  Step Events:                               │          │
	│  │    - step.started, step.completed           │          │
	│  │                                              │          │
	│  │  Node Events:                               │          │
	│  │    - node.up, node.down                     │          │
	│  │    - node.no_respond, node.drain            │          │
	│  │                                              │          │
	│  │  Accounting Events:                         │          │
	│  │    - association.created, .deleted          │          │
	│  │    - partition.created, .deleted            │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Subscribers                      │          │
	│  │                                              │          │
	│  │  cmd/ctld: upgrades /events to WebSocket     │          │
	│  │  (the only subscriber in this module)        │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Non-blocking publish (buffered channel)
  - Graceful shutdown via stop channel

Event:
  - ID: Unique event identifier
  - Type: Event type (job.started, node.down, etc.)
  - Timestamp: When event occurred
  - Message: Human-readable description
  - Metadata: Key-value pairs for additional context

Subscriber:
  - Channel that receives Event pointers
  - Buffered (50 events) to handle bursts
  - Created via broker.Subscribe()
  - Closed via broker.Unsubscribe()

WebSocketHandler:
  - Wraps a Broker subscription behind an http.Handler
  - Upgrades the connection, relays every event as JSON
  - Pings every 30s to detect dead connections
  - One-way feed: inbound frames are read and discarded

# Event Flow

Publish Flow:
 1. Publisher calls broker.Publish(event)
 2. Event added to main event channel (non-blocking)
 3. Broadcast loop receives event
 4. Event sent to all subscriber channels
 5. Subscribers receive event asynchronously
 6. Full subscriber buffers skip (no blocking)

# Usage

Creating and Starting Broker:

	import "github.com/quartzsched/quartz/pkg/events"

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Publishing Events:

	broker.Publish(&events.Event{
		Type:    events.EventJobStarted,
		Message: "job 42 started on node00,node01",
		Metadata: map[string]string{
			"job_id":    "42",
			"partition": "batch",
		},
	})

Streaming over WebSocket:

	mux.Handle("/events", events.NewWebSocketHandler(broker))

# Event Types Catalog

Job Events:

EventJobSubmitted:
  - Published when: SubmitJob accepts a job into PENDING
  - Metadata: job_id, partition

EventJobStarted:
  - Published when: the scheduler places a job and its batch step starts
  - Metadata: job_id, partition

EventJobCompleted / EventJobFailed:
  - Published when: CompleteJob transitions the job to a terminal state
  - Metadata: job_id, exit_code

EventJobCancelled:
  - Published when: CancelJob transitions the job to CANCELLED
  - Metadata: job_id

EventJobTimeout:
  - Published when: TimeoutJob fires after the time limit elapses
  - Metadata: job_id

EventJobNodeFail:
  - Published when: a job's node goes DOWN mid-run
  - Metadata: job_id

Step Events:

EventStepStarted:
  - Published when: CreateBatchStep records the batch step
  - Metadata: job_id, step_id

EventStepCompleted:
  - Defined but not published by any code in this module

Node Events:

EventNodeUp:
  - Published when: MakeNodeIdle returns a node to IDLE after a kill
    is acknowledged
  - Metadata: node_name

EventNodeDown:
  - Published when: SetNodeDown marks a node DOWN (an agent
    PROLOG_FAILED/EPILOG_FAILED reply, or the reconciler's heartbeat
    timeout)
  - Metadata: node_name, reason

EventNodeNoRespond:
  - Published when: the reconciler flags a node stale past the
    heartbeat threshold
  - Metadata: node_name

EventNodeDrain:
  - Defined but not published by any code in this module

Accounting Events:

EventAssociationCreated / EventAssociationDeleted:
  - Defined but not published by any code in this module: the
    association tree holds no broker reference

EventPartitionCreated / EventPartitionDeleted:
  - Defined but not published by any code in this module: the
    resource table holds no broker reference

# Design Patterns

Non-Blocking Publish:
  - Publish sends to buffered channel
  - Returns immediately (no waiting)
  - Events may be dropped if buffer full
  - Trade-off: throughput over guaranteed delivery

Fan-Out Pattern:
  - Single event broadcast to all subscribers
  - Each subscriber gets its own channel
  - Full buffers skip to prevent blocking

# Limitations

  - In-memory only, no persistence or replay
  - Best-effort delivery, not suitable for anything requiring an
    audit-complete guarantee (accounting writes themselves go through
    the Raft log, not this bus)
  - No topic filtering: subscribers filter by Event.Type themselves

# See Also

  - pkg/controller for where job/step/node events originate
  - Pub/sub pattern: https://en.wikipedia.org/wiki/Publish%E2%80%93subscribe_pattern
*/
package events
