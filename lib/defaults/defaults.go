// Feedgate
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package defaults holds the default values shared across feedgate
// components. Anything an operator can override through the configuration
// file should source its fallback from here so that the dashboard, the
// validation code and the runtime agree on a single value.
package defaults

import "time"

const (
	// ContentPort is the port the document content server binds to.
	ContentPort = 5678
	// DashboardPort is the port the status dashboard binds to.
	DashboardPort = 5679

	// FeedPort is the indexer port accepting feed uploads.
	FeedPort = 19900

	// MaxFeedURLs is the maximum number of records placed in a single
	// feed file before it is flushed to the indexer.
	MaxFeedURLs = 5000

	// HeaderTimeout bounds the time an adaptor may take before producing
	// the first byte of a document response.
	HeaderTimeout = 30 * time.Second
	// ContentTimeout bounds the time between successive bytes of a
	// document response once headers have been sent.
	ContentTimeout = 180 * time.Second

	// FeedSendTimeout bounds a single feed upload to the indexer.
	FeedSendTimeout = 5 * time.Minute

	// AsyncQueueCapacity is the capacity of the asynchronous doc id
	// queue. Items offered beyond the capacity are dropped.
	AsyncQueueCapacity = 50000
	// AsyncBatchSize is the largest batch the asynchronous sender
	// forwards in one push.
	AsyncBatchSize = 1000
	// AsyncMaxLatency is how long the asynchronous sender accumulates a
	// partial batch before forwarding it anyway.
	AsyncMaxLatency = 5 * time.Second

	// SessionTTL is the lifetime of an authenticated user session.
	SessionTTL = 30 * time.Minute
	// SessionEvictionPeriod is how often expired sessions are collected.
	SessionEvictionPeriod = time.Minute

	// ShutdownTimeout is how long Stop waits for in-flight work before
	// tearing the listeners down.
	ShutdownTimeout = 10 * time.Second

	// RetrieverErrorRateWindow is the number of most recent document
	// retrievals considered by the rolling error rate.
	RetrieverErrorRateWindow = 1000

	// LogBufferLines is how many recent log lines the dashboard retains.
	LogBufferLines = 500

	// MaxACLChainDepth bounds ACL inheritance chain resolution. Chains
	// longer than this (cycles included) evaluate to Indeterminate.
	MaxACLChainDepth = 64

	// ConfigPollPeriod is the fallback period at which the configuration
	// file is checked for modification when no fsnotify event arrives.
	ConfigPollPeriod = 15 * time.Minute

	// ObfuscationKeyFile is the name of the file holding the local
	// obfuscation key, created next to the configuration file.
	ObfuscationKeyFile = "obfuscation.key"

	// DocIdPathPrefix is the URL path prefix under which encoded
	// document ids are served.
	DocIdPathPrefix = "/doc/"

	// SamlAuthnPath initiates user authentication.
	SamlAuthnPath = "/saml-authn"
	// SamlAssertionConsumerPath consumes the IdP artifact redirect.
	SamlAssertionConsumerPath = "/saml-assertion-consumer"
	// SamlAuthzPath answers batched authorization queries.
	SamlAuthzPath = "/saml-authz"
	// RPCPath serves the dashboard JSON-RPC surface.
	RPCPath = "/r"
	// HeartbeatPathPrefix serves metadata-only document probes.
	HeartbeatPathPrefix = "/heartbeat/"
)

// GroupFeedReplaceAllVersion is the lowest indexer version that accepts a
// single non-incremental group feed replacing all previously fed groups.
const GroupFeedReplaceAllVersion = "7.4.0"
