package enums

// Platform identifies the device OS behind a push registration.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// IsValid reports whether the platform is a known value.
func (p Platform) IsValid() bool {
	return p == PlatformAndroid || p == PlatformIOS
}
