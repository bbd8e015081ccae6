// Package native implements gpgpu.Backend on top of the gogpu/wgpu HAL,
// covering the WebGPU, Vulkan, Metal and DirectX kinds.
//
// A backend either opens its own device:
//
//	b, err := native.Open(gpgpu.KindVulkan, api)
//
// or shares one owned by the caller, such as the device of a gogpu
// window:
//
//	b, err := native.NewFromProvider(gpgpu.KindWebGPU, provider)
//
// Shaders are compiled and reflected on the host. Vulkan pipelines receive
// SPIR-V; the other kinds receive WGSL and let the HAL translate it.
// Bind group layouts are derived from the reflection table, so every
// pipeline's layout matches its shader exactly. Samplers are created by
// the backend and bound automatically.
//
// Dispatches are recorded into one compute pass each and submitted
// immediately. A single goroutine polls the queue for completed
// submissions, signals their fences and releases per-dispatch objects.
// Freed buffers and destroyed pipelines are released only after the work
// submitted before them has completed.
package native
