/*
Copyright 2025 The Kruise Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package features

import (
	"k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/component-base/featuregate"

	utilfeature "github.com/devbookhq/devbook-go/pkg/utils/feature"
)

const (
	// SandboxPauseGate enables the pause and resume endpoints and auto pause on timeout.
	SandboxPauseGate featuregate.Feature = "SandboxPause"

	// SandboxRuntimeGate enables the websocket runtime endpoint of the local server.
	SandboxRuntimeGate featuregate.Feature = "SandboxRuntime"
)

var defaultFeatureGates = map[featuregate.Feature]featuregate.FeatureSpec{
	SandboxPauseGate:   {Default: true, PreRelease: featuregate.Beta},
	SandboxRuntimeGate: {Default: true, PreRelease: featuregate.Beta},
}

func init() {
	runtime.Must(utilfeature.DefaultMutableFeatureGate.Add(defaultFeatureGates))
}
