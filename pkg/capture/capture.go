// Package capture wires a real-time microphone input device to a
// ringbuf.Ring. The device callback is the only code in the whole
// pipeline that runs at audio priority: it must never allocate, lock, or
// block.
package capture

import (
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/talkie-dev/talkie/pkg/logging"
	"github.com/talkie-dev/talkie/pkg/ringbuf"
)

// Source owns a malgo capture device and feeds a Ring with raw S16LE
// mono PCM as it arrives.
type Source struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	ring   *ringbuf.Ring
	log    logging.Logger

	sampleRate uint32
}

// Open initializes the audio backend and a capture device. deviceSubstr,
// if non-empty, selects the first input device whose name contains it
// (case-insensitive); empty selects the backend's default device.
func Open(ring *ringbuf.Ring, sampleRate int, framesPerBuffer int, deviceSubstr string, log logging.Logger) (*Source, error) {
	if log == nil {
		log = logging.NoOpLogger{}
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	if framesPerBuffer > 0 {
		deviceConfig.PeriodSizeInFrames = uint32(framesPerBuffer)
	}

	if deviceSubstr != "" {
		id, err := findCaptureDevice(ctx, deviceSubstr)
		if err != nil {
			ctx.Uninit()
			ctx.Free()
			return nil, err
		}
		deviceConfig.Capture.DeviceID = id
	}

	s := &Source{
		ctx:        ctx,
		ring:       ring,
		log:        log,
		sampleRate: uint32(sampleRate),
	}

	// onRecvFrames is the real-time callback: it performs exactly one
	// ring write and nothing else. No logging, no allocation, no locks.
	onRecvFrames := func(_ []byte, pInputSamples []byte, _ uint32) {
		s.ring.Push(pInputSamples)
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("capture: init device: %w", err)
	}
	s.device = device
	s.sampleRate = device.SampleRate()

	return s, nil
}

// findCaptureDevice returns the device ID of the first capture
// device whose name contains substr, case-insensitively.
func findCaptureDevice(ctx *malgo.AllocatedContext, substr string) (malgo.DeviceID, error) {
	var zero malgo.DeviceID

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return zero, fmt.Errorf("capture: enumerate devices: %w", err)
	}
	substr = strings.ToLower(substr)
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), substr) {
			return info.ID, nil
		}
	}
	return zero, fmt.Errorf("capture: no input device matching %q", substr)
}

// SampleRate returns the rate the device actually negotiated, which may
// differ from what was requested.
func (s *Source) SampleRate() int {
	return int(s.sampleRate)
}

// Start begins capturing into the ring.
func (s *Source) Start() error {
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("capture: start device: %w", err)
	}
	return nil
}

// Close stops the device and releases backend resources. A second call
// is a no-op. It always returns nil; a context uninit failure is only
// logged.
func (s *Source) Close() error {
	if s.device != nil {
		s.device.Stop()
		s.device.Uninit()
		s.device = nil
	}
	if s.ctx != nil {
		if err := s.ctx.Uninit(); err != nil {
			s.log.Warn("capture: context uninit failed", "error", err)
		}
		s.ctx.Free()
		s.ctx = nil
	}
	return nil
}
