package iface

// ImageView is the capability the pipeline reads frames through. Platform
// buffers (camera pixel buffers, OpenCV mats, Go images) plug in as adapters.
//
// Row returns the bytes of row y starting at its first pixel. A well formed
// view returns at least Width()*Format().BytesPerPixel() bytes per row.
// Implementations must not require the caller to copy: Row may alias the
// underlying buffer and the pipeline never writes through it.
type ImageView interface {
	Width() int
	Height() int
	Format() PixelFormat
	Stride() int
	Row(y int) []byte
}

// Backend executes a detection model. Run receives the prepared input tensor
// and returns views into backend-owned output buffers that stay valid until the
// next Run or Destroy.
type Backend interface {
	LoadModel(cfg EngineConfig) error
	Run(input []float32) (RawOutputs, error)
	Destroy()
	CheckConfig() EngineConfig
}
