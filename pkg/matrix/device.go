package matrix

// DeviceMatrix receives admittance stamps. Indices are 0-based.
type DeviceMatrix interface {
	AddComplexElement(i, j int, value complex128)
}

var (
	_ DeviceMatrix = (*Sparse)(nil)
	_ DeviceMatrix = (*LU)(nil)
)
