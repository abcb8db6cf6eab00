// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process is the process-control collaborator for labctl.

Each service has two unit forms: the legacy unit (`<name>.service`) and the
managed container unit (`podman-<name>.service`). The Controller interface
answers "is this unit active", starts it, stops it within a grace period, and
enables or disables (masks) it so the host supervisor cannot start it behind
the controller's back.

Two backends exist:

  - DBusController talks to systemd over D-Bus (go-systemd).
  - SystemctlController shells out to systemctl through a Runner.

Both report failures as errors and treat a timeout as failure, never success.

The package also provides Lock, a cross-process flock that serializes
migration transitions between the CLI and the daemon, and Journal, which
reads unit logs through journalctl.
*/
package process
