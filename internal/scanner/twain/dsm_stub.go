//go:build !windows

package twain

// newPlatformSource returns the data source for platforms without a TWAIN
// driver manager. Initialize fails and the router reports the backend as
// unavailable, leaving the network backend to serve scans.
func newPlatformSource() DataSource {
	return unavailableSource{}
}

type unavailableSource struct{}

func (unavailableSource) Open() error                     { return ErrNotAvailable }
func (unavailableSource) Close()                          {}
func (unavailableSource) List() ([]SourceInfo, error)     { return nil, ErrNotAvailable }
func (unavailableSource) OpenSource(string) error         { return ErrNotAvailable }
func (unavailableSource) CloseSource()                    {}
func (unavailableSource) QueryCap(Cap) (CapValues, error) { return CapValues{}, ErrNotAvailable }
func (unavailableSource) SetCap(Cap, any) error           { return ErrNotAvailable }
func (unavailableSource) Enable(EnableOptions) error      { return ErrNotAvailable }
func (unavailableSource) Disable()                        {}
func (unavailableSource) Transfer() (*Image, error)       { return nil, ErrNotAvailable }
