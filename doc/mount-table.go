// Copyright 2018 The Kura Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package doc

import "github.com/kurafs/mountfs/pkg/cli"

var MountTableCmd = &cli.Command{
	UsageLine: "mount-table",
	Short:     "mount table format and mount options",
	Long: `
The mount table given to 'mountfs-server -mounts' is a YAML document:

    root:
      type: tmpfs          # ramfs, tmpfs or boltfs; tmpfs by default
      source: ""
      options: size=64M
    mounts:
      - target: /data      # absolute; created first when mkdir is set
        type: boltfs
        source: /var/lib/mountfs/data.db
        mkdir: true
      - target: /up
        type: tmpfs
        mkdir: true
      - target: /merged
        type: overlay
        options: lowerdir=/data,upperdir=/up
        mkdir: true

Mounts are applied in order. If one fails, those already applied are
unmounted and the server does not start.

Options are comma-separated key=value pairs or bare flags:

    ramfs, tmpfs  mode=OCTAL uid=N gid=N size=N[kKmMgG]
    boltfs        mode=OCTAL uid=N gid=N ro
    overlay       lowerdir=DIR[:DIR...] upperdir=DIR workdir=DIR
                  (no upperdir makes the overlay read-only; workdir must
                  be on the same filesystem as upperdir)
    fuse          fd=N rootmode=OCTAL user_id=N group_id=N max_read=N
                  allow_other default_permissions destroy_timeout=DURATION
`,
}
