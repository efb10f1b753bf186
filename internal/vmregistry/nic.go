package vmregistry

var zeroMAC [6]byte

func (r *Registry) resolveNICs(specs []NICSpec) ([]*VNIC, error) {
	var nics []*VNIC
	for _, spec := range specs {
		if err := r.nic.Resolve(spec.Dev); err != nil {
			r.rollbackNICs(nics)
			return nil, ErrInvalidDevice
		}

		mac := spec.MAC
		if mac == zeroMAC {
			generated, err := r.nic.AllocateMAC(spec.Dev)
			if err != nil {
				r.rollbackNICs(nics)
				return nil, err
			}
			mac = generated
			// Locally-administered bit (bit 1 of byte 0) must be set on an
			// auto-generated MAC, not one the caller supplied.
			mac[0] |= 0x02
		}

		r.mu.Lock()
		if r.usedMACs[spec.Dev] == nil {
			r.usedMACs[spec.Dev] = make(map[[6]byte]bool)
		}
		if r.usedMACs[spec.Dev][mac] {
			r.mu.Unlock()
			r.rollbackNICs(nics)
			return nil, ErrDuplicateMAC
		}
		r.usedMACs[spec.Dev][mac] = true
		r.mu.Unlock()

		poolBlocks, err := r.allocBlocks(spec.PoolSize)
		if err != nil {
			r.mu.Lock()
			delete(r.usedMACs[spec.Dev], mac)
			r.mu.Unlock()
			r.rollbackNICs(nics)
			return nil, err
		}

		nics = append(nics, &VNIC{Dev: spec.Dev, MAC: mac, Blocks: poolBlocks, Spec: spec})
	}
	return nics, nil
}

func (r *Registry) rollbackNICs(nics []*VNIC) {
	for _, n := range nics {
		r.freeBlocks(n.Blocks)
		r.mu.Lock()
		delete(r.usedMACs[n.Dev], n.MAC)
		r.mu.Unlock()
	}
}
