// Package winpipe is the Windows named-pipe convergence layer. The
// implementation is Windows-only; on other platforms the package is
// empty and the layer factory reports it unsupported.
package winpipe
