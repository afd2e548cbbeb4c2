// Arttic is the Go port of ArtTic-LAB, a web studio for Stable Diffusion
// family checkpoints (SD 1.5, SD 2.x, SDXL, SD3 and FLUX.1).
//
// Checkpoints are classified by the tensor names in their safetensors header
// (package checkpoint), one model at a time is loaded and run by
// pipeline.Manager on a ComfyUI engine (packages client and graphapi), images
// land in the outputs directory (package gallery) and are recorded in a
// SQLite history (package history). Package server exposes all of it over
// REST and a WebSocket, and cmd/arttic is the command line.
package arttic
