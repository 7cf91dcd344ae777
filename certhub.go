// CertHub
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

// Package certhub contains constants shared across the CertHub control
// plane: the version, the logging component key, and the component names
// used by every service logger.
package certhub

// Version is the semantic version of the CertHub server.
const Version = "1.3.0"

const (
	// ComponentKey is the name of the log attribute carrying the component
	// name of the subsystem that produced the entry.
	ComponentKey = "component"

	// ComponentWeb is the HTTP API surface (operator and agent endpoints).
	ComponentWeb = "web"

	// ComponentAuth is the operator authentication service.
	ComponentAuth = "authn"

	// ComponentJobs is the install-job state machine service.
	ComponentJobs = "jobs"

	// ComponentIngest is the PKCS#12 ingestion worker.
	ComponentIngest = "ingest"

	// ComponentWatcher is the drop-zone directory watcher.
	ComponentWatcher = "watcher"

	// ComponentQueue is the background job queue and its workers.
	ComponentQueue = "queue"

	// ComponentLimiter is the agent rate limiter.
	ComponentLimiter = "limiter"

	// ComponentInventory is the installed-certificate reconciler.
	ComponentInventory = "inventory"

	// ComponentMailer is the outbound mail delivery service.
	ComponentMailer = "mailer"

	// ComponentStorage is the storage layer.
	ComponentStorage = "storage"

	// ComponentService is the process supervisor.
	ComponentService = "service"
)
