package ml

import (
	torch "github.com/wangkuiyi/gotorch"
)

// RandomMessages draws a batch of n binary messages with independent
// fair-coin bits, placed on the given device.
func RandomMessages(n, length int64, device torch.Device) torch.Tensor {
	draws := torch.RandN([]int64{n, length}, false)
	return hardBits(draws, 0).To(device, torch.Float)
}
