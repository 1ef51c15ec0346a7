package arena

import "os"

// Cleanup is a callback run when its pool is destroyed. Setting Handler to nil
// disarms it.
type Cleanup struct {
	Handler func()

	file *os.File
}

// AddCleanup registers fn to run at Destroy.
func (p *Pool) AddCleanup(fn func()) *Cleanup {
	p.mustBeAlive()

	c := &Cleanup{Handler: fn}
	p.cleanups = append(p.cleanups, c)

	return c
}

// AddFileCleanup closes f at Destroy and, when remove is set, deletes it.
func (p *Pool) AddFileCleanup(f *os.File, remove bool) *Cleanup {
	c := p.AddCleanup(func() {
		name := f.Name()
		_ = f.Close()
		if remove {
			_ = os.Remove(name)
		}
	})
	c.file = f

	return c
}

// RunFileCleanup fires the cleanup registered for f ahead of Destroy.
func (p *Pool) RunFileCleanup(f *os.File) {
	p.mustBeAlive()

	for _, c := range p.cleanups {
		if c.file == f && c.Handler != nil {
			h := c.Handler
			c.Handler = nil
			h()
			return
		}
	}
}
