// Copyright 2026 The gVisor Authors.
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


// Package swapmetrics exports swap statistics in the Prometheus text
// exposition format.
package swapmetrics

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/drum/pkg/swap"
	"gvisor.dev/drum/pkg/usage"
)

// Prefix is prepended to every metric name.
const Prefix = "drum_swap_"

// Source is what statistics are collected from. *swap.Manager satisfies it.
type Source interface {
	Devices() []swap.DeviceInfo
	Usage() usage.SwapStats
	IOUsage() usage.IO
	Encrypting() bool
}

type family struct {
	name string
	help string
	typ  dto.MetricType
}

func (f family) new() *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(Prefix + f.name),
		Help: proto.String(f.help),
		Type: f.typ.Enum(),
	}
}

func add(mf *dto.MetricFamily, v float64, labels ...*dto.LabelPair) {
	m := &dto.Metric{Label: labels}
	switch mf.GetType() {
	case dto.MetricType_COUNTER:
		m.Counter = &dto.Counter{Value: proto.Float64(v)}
	default:
		m.Gauge = &dto.Gauge{Value: proto.Float64(v)}
	}
	mf.Metric = append(mf.Metric, m)
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: proto.String(name), Value: proto.String(value)}
}

// Families collects the current statistics of src, sorted by name.
func Families(src Source) []*dto.MetricFamily {
	var fams []*dto.MetricFamily
	global := func(f family, v uint64) {
		mf := f.new()
		add(mf, float64(v))
		fams = append(fams, mf)
	}

	u := src.Usage()
	global(family{"pages", "Pages of swap configured.", dto.MetricType_GAUGE}, u.Pages)
	global(family{"pages_in_use", "Pages of swap allocated or reserved.", dto.MetricType_GAUGE}, u.InUse)
	global(family{"pages_bad", "Pages of swap retired after I/O errors.", dto.MetricType_GAUGE}, u.Bad)
	global(family{"devices", "Swap devices registered, including ones being configured.", dto.MetricType_GAUGE}, u.Devices)
	enc := uint64(0)
	if src.Encrypting() {
		enc = 1
	}
	global(family{"encrypting", "Whether page-outs are encrypted.", dto.MetricType_GAUGE}, enc)

	iou := src.IOUsage()
	global(family{"gets_total", "Page-in transfers started.", dto.MetricType_COUNTER}, iou.Gets)
	global(family{"puts_total", "Page-out transfers started.", dto.MetricType_COUNTER}, iou.Puts)
	global(family{"pages_read_total", "Pages read from swap.", dto.MetricType_COUNTER}, iou.PagesRead)
	global(family{"pages_written_total", "Pages written to swap.", dto.MetricType_COUNTER}, iou.PagesWritten)
	global(family{"io_errors_total", "Transfers that failed.", dto.MetricType_COUNTER}, iou.Errors)

	perDevice := []struct {
		family
		value func(swap.DeviceInfo) int
	}{
		{family{"device_pages", "Device size in pages.", dto.MetricType_GAUGE}, func(d swap.DeviceInfo) int { return d.Pages }},
		{family{"device_pages_in_use", "Device pages allocated or reserved.", dto.MetricType_GAUGE}, func(d swap.DeviceInfo) int { return d.InUse }},
		{family{"device_pages_bad", "Device pages retired after I/O errors.", dto.MetricType_GAUGE}, func(d swap.DeviceInfo) int { return d.Bad }},
		{family{"device_pages_reserved", "Device pages never handed out.", dto.MetricType_GAUGE}, func(d swap.DeviceInfo) int { return d.Reserved }},
		{family{"device_pages_encrypted", "Device pages holding ciphertext.", dto.MetricType_GAUGE}, func(d swap.DeviceInfo) int { return d.Encrypted }},
		{family{"device_keys", "Live encryption keys of the device.", dto.MetricType_GAUGE}, func(d swap.DeviceInfo) int { return d.Keys }},
		{family{"device_requests_active", "Sub-requests in flight.", dto.MetricType_GAUGE}, func(d swap.DeviceInfo) int { return d.Active }},
		{family{"device_requests_queued", "Sub-requests waiting for a slot in the device queue.", dto.MetricType_GAUGE}, func(d swap.DeviceInfo) int { return d.Queued }},
	}
	devs := src.Devices()
	for _, pd := range perDevice {
		mf := pd.new()
		for _, d := range devs {
			if d.Flags&swap.FlagFake != 0 {
				continue
			}
			add(mf, float64(pd.value(d)),
				label("device", d.Name),
				label("kind", d.Kind.String()),
				label("priority", strconv.Itoa(d.Priority)),
				label("state", d.State.String()))
		}
		if len(mf.Metric) > 0 {
			fams = append(fams, mf)
		}
	}

	sort.Slice(fams, func(i, j int) bool { return fams[i].GetName() < fams[j].GetName() })
	return fams
}

// Write writes the statistics of src to w.
func Write(w io.Writer, src Source) error {
	for _, mf := range Families(src) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
