package gpu

import (
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// ReadTimeout bounds how long a read waits for queued work to finish.
var ReadTimeout = 60 * time.Second

// StorageUsage is the usage of every estimation arena.
const StorageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc

// EnsureGPU ensures the GPU context is initialized
func EnsureGPU() error {
	_, err := GetContext()
	return err
}

// NewFloatBuffer creates a buffer with the given float32 data
func NewFloatBuffer(label string, data []float32, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	if len(data) == 0 {
		data = make([]float32, 1)
	}
	return newBuffer(label, wgpu.ToBytes(data), usage)
}

// NewIntBuffer creates a buffer with the given int32 data
func NewIntBuffer(label string, data []int32, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	if len(data) == 0 {
		data = make([]int32, 1)
	}
	return newBuffer(label, wgpu.ToBytes(data), usage)
}

func newBuffer(label string, contents []byte, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	buf, err := c.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    label,
		Contents: contents,
		Usage:    usage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer %s: %w", label, err)
	}
	if Debug {
		Log("buffer %s: %d bytes", label, len(contents))
	}
	return buf, nil
}

// ReadBuffer reads the first size float32 values of a buffer
func ReadBuffer(buffer *wgpu.Buffer, size int) ([]float32, error) {
	return readBuffer[float32](buffer, size)
}

// ReadIntBuffer reads the first size int32 values of a buffer
func ReadIntBuffer(buffer *wgpu.Buffer, size int) ([]int32, error) {
	return readBuffer[int32](buffer, size)
}

func readBuffer[T float32 | int32](buffer *wgpu.Buffer, size int) ([]T, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}

	sizeBytes := uint64(size * 4)
	stagingBuf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "ReadStaging",
		Size:  sizeBytes,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create staging buffer: %w", err)
	}
	defer stagingBuf.Destroy()

	encoder, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create command encoder: %w", err)
	}
	encoder.CopyBufferToBuffer(buffer, 0, stagingBuf, 0, sizeBytes)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to finish command: %w", err)
	}
	c.Queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	stagingBuf.MapAsync(wgpu.MapModeRead, 0, sizeBytes, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map status: %d", status)
		}
		close(done)
	})

	// Poll without blocking so the timeout can fire.
	timeout := time.After(ReadTimeout)
Loop:
	for {
		c.Device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			return nil, fmt.Errorf("ReadBuffer timed out after %s", ReadTimeout)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := stagingBuf.GetMappedRange(0, uint(sizeBytes))
	if data == nil {
		return nil, fmt.Errorf("failed to get mapped range")
	}
	result := make([]T, size)
	copy(result, wgpu.FromBytes[T](data))
	stagingBuf.Unmap()
	return result, nil
}
