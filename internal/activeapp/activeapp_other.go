//go:build (!darwin && !linux) || (darwin && !cgo)

package activeapp

type noQuerier struct{}

func newPlatformQuerier() frontmostQuerier {
	return noQuerier{}
}

func (noQuerier) queryFrontmost() *Context {
	return nil
}
