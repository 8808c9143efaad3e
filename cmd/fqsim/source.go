// Copyright 2024 Google LLC
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

package main

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	sf "github.com/wissance/stringFormatter"
	"go.uber.org/zap"
)

// openPacketSource opens a capture file, retrying transient open
// failures (the file may still be mid-rotation when we get notified
// about it).
func openPacketSource(ctx context.Context, logger *zap.SugaredLogger, path string) (*gopacket.PacketSource, *pcap.Handle, error) {
	var handle *pcap.Handle
	err := retry.Do(
		func() error {
			var err error
			handle, err = pcap.OpenOffline(path)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(250*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn(sf.Format("open {0} attempt {1}: {2}", path, n+1, err.Error()))
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return gopacket.NewPacketSource(handle, handle.LinkType()), handle, nil
}
