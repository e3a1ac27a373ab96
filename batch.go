package clockless

import "periph.io/x/devices/v3/clockless/nrz"

// pendingReq is a stream request parked until a host frees up. The wire
// config is computed once at submission so every retry is cheap.
type pendingReq struct {
	pin      int
	lanes    int
	lanePins []int
	timings  nrz.Timings
	wire     nrz.Wire
	src      []byte
}

// batches splits n items into ceil(n/k) contiguous index ranges of at most
// k items each, in order. Show uses it to bound a timing group to one
// peripheral's lane capacity at a time.
func batches(n, k int) [][2]int {
	if n <= 0 || k <= 0 {
		return nil
	}
	out := make([][2]int, 0, (n+k-1)/k)
	for i := 0; i < n; i += k {
		j := i + k
		if j > n {
			j = n
		}
		out = append(out, [2]int{i, j})
	}
	return out
}
