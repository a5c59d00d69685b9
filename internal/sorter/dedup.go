package sorter

import (
	"fmt"
	"image"
	_ "image/gif" // Register decoders for image.Decode.
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/webp"
)

// DefaultDedupThreshold is the Hamming distance between two dHash values
// below which images count as the same picture.
const DefaultDedupThreshold = 10

// dedupFilter remembers the perceptual hashes of the images accepted in one
// run. An image holds a reservation on its hash while it is processed and
// only becomes accepted once it is routed. It is safe for concurrent use.
type dedupFilter struct {
	threshold int

	mu       sync.Mutex
	resolved *sync.Cond
	accepted []*hashedImage
	pending  []*hashedImage
}

type hashedImage struct {
	name string
	hash *goimagehash.ImageHash
}

func newDedupFilter(threshold int) *dedupFilter {
	if threshold <= 0 {
		threshold = DefaultDedupThreshold
	}
	d := &dedupFilter{threshold: threshold}
	d.resolved = sync.NewCond(&d.mu)
	return d
}

// reserve returns the name of an accepted image that path is a
// near-duplicate of. Otherwise it reserves the hash of path and returns the
// reservation, which must be handed to resolve. While a near-duplicate is
// still pending, reserve waits for it to be resolved.
func (d *dedupFilter) reserve(name, path string) (*hashedImage, string, error) {
	hash, err := hashFile(path)
	if err != nil {
		return nil, "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		if seen := d.nearest(d.accepted, hash); seen != nil {
			return nil, seen.name, nil
		}
		if d.nearest(d.pending, hash) == nil {
			break
		}
		d.resolved.Wait()
	}

	r := &hashedImage{name: name, hash: hash}
	d.pending = append(d.pending, r)
	return r, "", nil
}

// resolve ends a reservation. An accepted image blocks its near-duplicates
// for the rest of the run; a rejected one frees its hash again.
func (d *dedupFilter) resolve(r *hashedImage, accepted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, p := range d.pending {
		if p == r {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			break
		}
	}
	if accepted {
		d.accepted = append(d.accepted, r)
	}
	d.resolved.Broadcast()
}

func (d *dedupFilter) nearest(images []*hashedImage, hash *goimagehash.ImageHash) *hashedImage {
	for _, seen := range images {
		dist, err := hash.Distance(seen.hash)
		if err == nil && dist < d.threshold {
			return seen
		}
	}
	return nil
}

func hashFile(path string) (*goimagehash.ImageHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return goimagehash.DifferenceHash(img)
}
