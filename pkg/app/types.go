package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// ZoneTarget represents a zone and sector range selection across commands
type ZoneTarget struct {
	Zone    int
	LSN     uint64
	Sectors int
}

// Validate ensures the zone target is valid
func (zt *ZoneTarget) Validate() error {
	if zt.Zone < 0 || zt.Zone >= types.MaxZones {
		return NewError(ErrCodeInvalidInput, fmt.Sprintf("zone %d out of range [0,%d)", zt.Zone, types.MaxZones), nil)
	}
	if zt.Sectors < 0 {
		return NewError(ErrCodeInvalidInput, "sector count cannot be negative", nil)
	}
	return nil
}

// Bytes returns the byte length of the selected range
func (zt *ZoneTarget) Bytes() int {
	return zt.Sectors * types.SectorSize
}

// String returns a string representation of the zone target
func (zt *ZoneTarget) String() string {
	if zt.Sectors == 0 {
		return fmt.Sprintf("Zone %d", zt.Zone)
	}
	return fmt.Sprintf("Zone %d, sectors [%d,%d)", zt.Zone, zt.LSN, zt.LSN+uint64(zt.Sectors))
}

// ProgressUpdate represents progress information
type ProgressUpdate struct {
	Message     string
	Completed   int64
	Total       int64
	StartedAt   time.Time
	ElapsedTime time.Duration
}

// Percent calculates completion percentage
func (p *ProgressUpdate) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return int((p.Completed * 100) / p.Total)
}

// Rate calculates items per second
func (p *ProgressUpdate) Rate() float64 {
	if p.ElapsedTime == 0 {
		return 0
	}
	return float64(p.Completed) / p.ElapsedTime.Seconds()
}

// ETA estimates time to completion
func (p *ProgressUpdate) ETA() time.Duration {
	if p.Completed == 0 || p.Total == 0 {
		return 0
	}
	rate := p.Rate()
	if rate == 0 {
		return 0
	}
	remaining := p.Total - p.Completed
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}

// CommonError represents application-level errors
type CommonError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CommonError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CommonError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeDeviceAccess = "DEVICE_ACCESS"
	ErrCodeNoSpace      = "NO_SPACE"
	ErrCodeCorrupted    = "CORRUPTED"
	ErrCodeLocked       = "ZONE_LOCKED"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeInternal     = "INTERNAL"
)

// NewError creates a new CommonError
func NewError(code, message string, cause error) *CommonError {
	return &CommonError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapError classifies an engine error into a CommonError
func WrapError(message string, err error) *CommonError {
	if err == nil {
		return nil
	}
	var ce *CommonError
	if errors.As(err, &ce) {
		return ce
	}
	code := ErrCodeInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
	default:
		switch types.KindOf(err) {
		case types.KindParameter:
			code = ErrCodeInvalidInput
		case types.KindIO:
			code = ErrCodeDeviceAccess
		case types.KindResource:
			code = ErrCodeNoSpace
		case types.KindCorruption:
			code = ErrCodeCorrupted
		case types.KindLocked:
			code = ErrCodeLocked
		}
	}
	return NewError(code, message, err)
}
