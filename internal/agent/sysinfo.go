// Copyright 2025 The Opsforge Authors
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

package agent

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/opsforge/opsforge/internal/protocol"
)

// collectSystemInfo snapshots memory and disk pressure for heartbeats.
// Values that cannot be read stay zero; the control plane treats them as
// unknown rather than critical.
func collectSystemInfo(workspaceDir string) protocol.SystemInfo {
	info := protocol.SystemInfo{}

	if total, available, ok := readMeminfo(); ok && total > 0 {
		info.AvailableMemoryMB = available / 1024
		info.MemoryUsagePercent = float32(total-available) / float32(total) * 100
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(workspaceDir, &stat); err == nil && stat.Blocks > 0 {
		total := stat.Blocks * uint64(stat.Bsize)
		free := stat.Bavail * uint64(stat.Bsize)
		info.AvailableDiskGB = float64(free) / (1 << 30)
		info.DiskUsagePercent = float32(total-free) / float32(total) * 100
	}

	return info
}

// readMeminfo returns total and available memory in KiB from /proc/meminfo.
func readMeminfo() (total, available uint64, ok bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	return total, available, total > 0 && available > 0
}
