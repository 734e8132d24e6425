// Copyright 2023 LiveKit, Inc.
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

package capture

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied   = errors.New("permission to use media devices was denied")
	ErrDeviceUnavailable  = errors.New("media device unavailable")
	ErrInvalidConstraints = errors.New("at least one of audio or video must be requested")
	ErrUnsupportedFormat  = errors.New("unsupported media file format")

	// both wrap ErrDeviceUnavailable
	ErrDeviceBusy     = fmt.Errorf("%w: device in use", ErrDeviceUnavailable)
	ErrDeviceNotFound = fmt.Errorf("%w: no such device", ErrDeviceUnavailable)
)
