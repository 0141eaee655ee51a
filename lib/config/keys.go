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

package config

import (
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/feedgate/lib/defaults"
)

// Names of the recognized configuration keys.
const (
	KeyGsaHostname      = "gsa.hostname"
	KeyGsaAdminHostname = "gsa.admin.hostname"
	KeyGsaVersion       = "gsa.version"
	KeyGsaScoringType   = "gsa.scoringType"

	KeyFeedName             = "feed.name"
	KeyFeedMaxURLs          = "feed.maxUrls"
	KeyFeedArchiveDirectory = "feed.archiveDirectory"

	KeyServerPort            = "server.port"
	KeyServerDashboardPort   = "server.dashboardPort"
	KeyServerSecure          = "server.secure"
	KeyServerHostname        = "server.hostname"
	KeyServerFullAccessHosts = "server.fullAccessHosts"
	KeyServerHeaderTimeout   = "server.docHeaderTimeoutMillis"
	KeyServerContentTimeout  = "server.docContentTimeoutMillis"
	KeyServerSendDocControls = "server.sendDocControls"

	KeyFullListingSchedule    = "adaptor.fullListingSchedule"
	KeyIncrementalPollPeriod  = "adaptor.incrementalPollPeriodSecs"
	KeyAsyncQueueCapacity     = "adaptor.asyncQueueCapacity"
	KeyAsyncBatchLatency      = "adaptor.asyncBatchLatencyMillis"
	KeyPushDocIdsOnStartup    = "adaptor.pushDocIdsOnStartup"
	KeyMarkAllDocsAsPublic    = "adaptor.markAllDocsAsPublic"
	KeyDomainFormat           = "adaptor.domainFormat"
	KeyConfigFile             = "adaptor.configfile"
	KeySysPropertiesFile      = "sys.properties.file"
	KeyTransformPipeline      = "transform.pipeline"
	KeyMetaTransformPipeline  = "metadata.transform.pipeline"
	KeySamlEntityID           = "saml.entityId"
	KeySamlIdpEntityID        = "saml.idpEntityId"
	KeySamlIdpSsoURL          = "saml.idpSsoUrl"
	KeySamlIdpArtifactURL     = "saml.idpArtifactResolutionUrl"
	KeySamlAssertionLifetime  = "saml.assertionLifetimeSecs"
	KeyJournalErrorRateWindow = "journal.errorRateWindow"
)

// scoringTypes are the values gsa.scoringType accepts.
var scoringTypes = map[string]struct{}{
	"content": {},
	"web":     {},
}

// NewDefaultConfig returns a Config with every recognized key declared
// with its default and the standard validator installed.
func NewDefaultConfig(clock clockwork.Clock) *Config {
	c := NewConfig(clock)
	declare := func(name, def string) {
		// Keys are declared once at construction; duplicates here are a
		// programming error caught in tests.
		if err := c.AddKeyWithDefault(name, def); err != nil {
			panic(err)
		}
	}
	declare(KeyGsaHostname, "")
	declare(KeyGsaAdminHostname, "")
	declare(KeyGsaVersion, "7.2.0-0")
	declare(KeyGsaScoringType, "content")
	declare(KeyFeedName, "")
	declare(KeyFeedMaxURLs, strconv.Itoa(defaults.MaxFeedURLs))
	declare(KeyFeedArchiveDirectory, "")
	declare(KeyServerPort, strconv.Itoa(defaults.ContentPort))
	declare(KeyServerDashboardPort, strconv.Itoa(defaults.DashboardPort))
	declare(KeyServerSecure, "false")
	declare(KeyServerHostname, "")
	declare(KeyServerFullAccessHosts, "")
	declare(KeyServerHeaderTimeout, strconv.Itoa(int(defaults.HeaderTimeout.Milliseconds())))
	declare(KeyServerContentTimeout, strconv.Itoa(int(defaults.ContentTimeout.Milliseconds())))
	declare(KeyServerSendDocControls, "true")
	declare(KeyFullListingSchedule, "0 3 * * *")
	declare(KeyIncrementalPollPeriod, "900")
	declare(KeyAsyncQueueCapacity, strconv.Itoa(defaults.AsyncQueueCapacity))
	declare(KeyAsyncBatchLatency, strconv.Itoa(int(defaults.AsyncMaxLatency.Milliseconds())))
	declare(KeyPushDocIdsOnStartup, "true")
	declare(KeyMarkAllDocsAsPublic, "false")
	declare(KeyDomainFormat, "dns")
	declare(KeyTransformPipeline, "")
	declare(KeyMetaTransformPipeline, "")
	declare(KeySamlEntityID, "")
	declare(KeySamlIdpEntityID, "")
	declare(KeySamlIdpSsoURL, "")
	declare(KeySamlIdpArtifactURL, "")
	declare(KeySamlAssertionLifetime, "1800")
	declare(KeyJournalErrorRateWindow, strconv.Itoa(defaults.RetrieverErrorRateWindow))
	c.SetValidator(ValidateEffective)
	return c
}

// Validate checks the current effective view.
func (c *Config) Validate() error {
	return trace.Wrap(ValidateEffective(c.Snapshot()))
}

// ValidateEffective checks an effective raw view for the invariants
// required to start: mandatory keys present and non-blank, enumerated
// keys holding known tokens, numeric keys parseable.
func ValidateEffective(view map[string]string) error {
	required := []string{KeyGsaHostname, KeyFeedName}
	for _, name := range required {
		if strings.TrimSpace(view[name]) == "" {
			return trace.BadParameter("configuration key %q is required and must not be blank", name)
		}
	}
	if v, ok := view[KeyGsaScoringType]; ok {
		if _, known := scoringTypes[v]; !known {
			return trace.BadParameter("configuration key %q has unknown value %q, expected one of content, web", KeyGsaScoringType, v)
		}
	}
	for _, name := range []string{KeyServerSecure, KeyPushDocIdsOnStartup, KeyMarkAllDocsAsPublic, KeyServerSendDocControls} {
		if v, ok := view[name]; ok && v != "" {
			if _, err := strconv.ParseBool(v); err != nil {
				return trace.BadParameter("configuration key %q must be true or false, got %q", name, v)
			}
		}
	}
	for _, name := range []string{KeyFeedMaxURLs, KeyServerPort, KeyServerDashboardPort, KeyServerHeaderTimeout, KeyServerContentTimeout, KeyIncrementalPollPeriod, KeyAsyncQueueCapacity, KeyAsyncBatchLatency, KeySamlAssertionLifetime, KeyJournalErrorRateWindow} {
		if v, ok := view[name]; ok && v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err != nil || n <= 0 {
				return trace.BadParameter("configuration key %q must be a positive integer, got %q", name, v)
			}
		}
	}
	switch view[KeyDomainFormat] {
	case "", "dns", "netbios":
	default:
		return trace.BadParameter("configuration key %q has unknown value %q, expected dns or netbios", KeyDomainFormat, view[KeyDomainFormat])
	}
	return nil
}
