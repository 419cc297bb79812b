package blkfront

import (
	"errors"
	"time"

	"github.com/ehrlich-b/go-pvkernel/internal/arch"
	"github.com/ehrlich-b/go-pvkernel/internal/blkif"
	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/evtchn"
	"github.com/ehrlich-b/go-pvkernel/internal/gnttab"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
	"github.com/ehrlich-b/go-pvkernel/internal/mm"
	"github.com/ehrlich-b/go-pvkernel/internal/sched"
)

func (d *Device) validate(req *Request, info Info) error {
	if req.State() == StateSubmitted {
		return d.fail("submit_io", kerr.CodeBusy, "request already in flight")
	}
	switch req.Op {
	case blkif.OpFlush:
		if !info.Flush {
			return d.fail("submit_io", kerr.CodeNotImplemented, "backend does not support flush")
		}
		if len(req.Pages) != 0 {
			return d.fail("submit_io", kerr.CodeInvalidParameters, "flush carries no data")
		}
		return nil
	case blkif.OpDiscard:
		if !info.Discard {
			return d.fail("submit_io", kerr.CodeNotImplemented, "backend does not support discard")
		}
		if len(req.Pages) != 0 {
			return d.fail("submit_io", kerr.CodeInvalidParameters, "discard carries no data")
		}
		if req.NrSectors == 0 || req.Sector+req.NrSectors < req.Sector || req.Sector+req.NrSectors > info.Sectors {
			return d.fail("submit_io", kerr.CodeInvalidParameters, "discard range outside device")
		}
		return nil
	case blkif.OpRead:
	case blkif.OpWrite:
		if info.ReadOnly() {
			return d.fail("submit_io", kerr.CodePermissionDenied, "device is read-only")
		}
	default:
		return d.fail("submit_io", kerr.CodeInvalidParameters, "unknown operation")
	}

	n := len(req.Pages)
	if n == 0 || n > blkif.MaxSegments {
		return d.fail("submit_io", kerr.CodeInvalidParameters, "page count out of range")
	}
	if req.FirstSect >= constants.SectorsPerPage || req.LastSect >= constants.SectorsPerPage {
		return d.fail("submit_io", kerr.CodeInvalidParameters, "sector offset outside page")
	}
	if n == 1 && req.FirstSect > req.LastSect {
		return d.fail("submit_io", kerr.CodeInvalidParameters, "empty transfer")
	}
	for _, p := range req.Pages {
		if len(p) != constants.PageSize || !mm.IsAligned(p, constants.SectorSize) {
			return d.fail("submit_io", kerr.CodeInvalidParameters, "buffer is not a sector aligned page")
		}
	}
	if req.Sector+uint64(req.Sectors()) > info.Sectors {
		return d.fail("submit_io", kerr.CodeInvalidParameters, "transfer past end of device")
	}
	return nil
}

func (d *Device) lockFor(t *sched.Thread) func() {
	if t == nil {
		d.lock.Lock()
		return d.lock.Unlock
	}
	c := t.CPU()
	flags := d.lock.LockIRQSave(c)
	return func() { d.lock.UnlockIRQRestore(c, flags) }
}

// SubmitIO places req on the ring and notifies the backend. It never
// blocks: when every slot is in flight it returns ErrRingFull and the
// caller decides how to retry. t is the submitting thread, or nil outside
// thread context.
func (d *Device) SubmitIO(t *sched.Thread, req *Request) error {
	d.lock.Lock()
	connected, info := d.connected, d.info
	d.lock.Unlock()
	if !connected {
		return d.fail("submit_io", kerr.CodeNotConnected, "device not connected")
	}
	if err := d.validate(req, info); err != nil {
		return err
	}

	var slot inflight
	readonly := req.Op == blkif.OpWrite
	for i, p := range req.Pages {
		ref, err := d.cfg.Grants.GrantAccess(info.BackendID, p, readonly)
		if err != nil {
			d.endGrants(slot.grefs[:i])
			return kerr.Wrap("submit_io", err)
		}
		slot.grefs[i] = ref
	}
	slot.ngrefs = len(req.Pages)
	slot.req = req
	slot.start = time.Now()

	unlock := d.lockFor(t)
	if !d.connected || len(d.freeIDs) == 0 || d.ring.Full() {
		connected := d.connected
		unlock()
		d.endGrants(slot.grefs[:slot.ngrefs])
		if !connected {
			return d.fail("submit_io", kerr.CodeNotConnected, "device not connected")
		}
		if d.observer != nil {
			d.observer.ObserveRingFull()
		}
		d.throttle.Warn(d.log, "ring-full", "block ring full", "in_flight", blkif.RingSize)
		return d.fail("submit_io", kerr.CodeRingFull, "no free request slot")
	}

	id := d.freeIDs[len(d.freeIDs)-1]
	d.freeIDs = d.freeIDs[:len(d.freeIDs)-1]
	d.slots[id] = slot
	d.inFlight++
	depth := d.inFlight

	wire := blkif.Request{
		Op:         req.Op,
		NrSegments: uint8(len(req.Pages)),
		Handle:     uint16(d.cfg.DevID),
		ID:         id,
		Sector:     req.Sector,
		NrSectors:  req.NrSectors,
	}
	for i := range req.Pages {
		wire.Segments[i] = req.segment(i, uint32(slot.grefs[i]))
	}
	req.Reset()
	req.state.Store(int32(StateSubmitted))
	if err := blkif.PutRequest(d.ring.NextRequest(), &wire); err != nil {
		arch.Crash("blkfront: ring slot too small", "error", err)
	}
	notify := d.ring.PushRequests()
	port := d.port
	unlock()

	d.submitted.Add(1)
	if d.observer != nil {
		d.observer.ObserveQueueDepth(uint32(depth))
	}
	if d.cfg.Trace {
		d.log.WithRequest(id, req.Op.String()).Debug("submitted", "sector", req.Sector,
			"sectors", req.Sectors(), "notify", notify)
	}
	if notify {
		if err := d.cfg.Events.Notify(port); err != nil {
			d.log.Warn("notify failed", "port", port, "error", err)
		}
	}
	return nil
}

func (d *Device) endGrants(refs []gnttab.Ref) {
	for _, ref := range refs {
		if !d.cfg.Grants.EndAccess(ref) {
			d.throttle.Warn(d.log, "grant-busy", "grant still mapped by backend", "ref", ref)
		}
	}
}

// handleEvent consumes every available response. It runs in event handler
// context.
func (d *Device) handleEvent(evtchn.Port, any) {
	var done []*Request
	var grefs []gnttab.Ref

	d.lock.Lock()
	if d.ring == nil {
		d.lock.Unlock()
		return
	}
	n := d.ring.ConsumeResponses(func(slot []byte) {
		var rsp blkif.Response
		if err := blkif.GetResponse(slot, &rsp); err != nil {
			d.lock.Unlock()
			arch.Crash("blkfront: undecodable response", "device", d.name, "error", err)
		}
		req, refs := d.completeLocked(&rsp)
		done = append(done, req)
		grefs = append(grefs, refs...)
	})
	idle := d.inFlight == 0
	d.lock.Unlock()

	d.endGrants(grefs)
	if d.cfg.Trace && n > 0 {
		d.log.Debug("responses consumed", "count", n)
	}
	for _, req := range done {
		req.finish()
	}
	if n > 0 {
		d.space.WakeAll()
	}
	if idle {
		d.idle.WakeAll()
	}
}

// completeLocked retires the in-flight request a response names. A response
// for an id that is not in flight is a protocol violation.
func (d *Device) completeLocked(rsp *blkif.Response) (*Request, []gnttab.Ref) {
	if int(rsp.ID) >= len(d.slots) || d.slots[rsp.ID].req == nil {
		d.lock.Unlock()
		arch.Crash("blkfront: response for unknown request", "device", d.name, "id", rsp.ID, "op", rsp.Op.String())
	}
	slot := d.slots[rsp.ID]
	d.slots[rsp.ID] = inflight{}
	d.freeIDs = append(d.freeIDs, rsp.ID)
	d.inFlight--

	req := slot.req
	req.status = rsp.Status
	latency := uint64(time.Since(slot.start).Nanoseconds())
	ok := rsp.Status == blkif.StatusOK
	if ok {
		req.err = nil
		req.state.Store(int32(StateDoneSuccess))
		d.completed.Add(1)
	} else {
		code := kerr.CodeIOError
		if rsp.Status == blkif.StatusNotSupport {
			code = kerr.CodeNotImplemented
		}
		req.err = d.fail(req.Op.String(), code, "")
		req.state.Store(int32(StateDoneError))
		d.failed.Add(1)
		d.log.WithRequest(rsp.ID, req.Op.String()).Warn("request failed", "sector", req.Sector, "status", rsp.Status)
	}

	if d.observer != nil {
		bytes := uint64(req.Sectors()) * constants.SectorSize
		switch req.Op {
		case blkif.OpRead:
			d.observer.ObserveRead(bytes, latency, ok)
		case blkif.OpWrite:
			d.observer.ObserveWrite(bytes, latency, ok)
		case blkif.OpFlush:
			d.observer.ObserveFlush(latency, ok)
		case blkif.OpDiscard:
			d.observer.ObserveDiscard(bytes, latency, ok)
		}
	}
	return req, slot.grefs[:slot.ngrefs]
}

// submitWait submits req, waiting for a free slot while the ring is full,
// then blocks until the response arrives.
func (d *Device) submitWait(t *sched.Thread, req *Request) error {
	for {
		err := d.SubmitIO(t, req)
		if err == nil {
			break
		}
		if !errors.Is(err, kerr.ErrRingFull) {
			return err
		}
		d.space.WaitTimeout(t, constants.DevicePollingInterval)
	}
	return req.Wait(t)
}

func (d *Device) transfer(t *sched.Thread, op blkif.Op, sector uint64, buf []byte) error {
	if len(buf) == 0 || len(buf)%constants.SectorSize != 0 {
		return d.fail(op.String(), kerr.CodeInvalidParameters, "length is not a whole number of sectors")
	}
	for len(buf) > 0 {
		chunk := min(len(buf), constants.MaxBytesPerRequest)
		npages := (chunk + constants.PageSize - 1) / constants.PageSize
		pages := mm.GetPages(npages)

		if op == blkif.OpWrite {
			for i, off := 0, 0; off < chunk; i, off = i+1, off+constants.PageSize {
				copy(pages[i], buf[off:chunk])
			}
		}
		req := &Request{
			Op:       op,
			Sector:   sector,
			Pages:    pages,
			LastSect: uint8(((chunk - 1) % constants.PageSize) / constants.SectorSize),
		}
		err := d.submitWait(t, req)
		if err == nil && op == blkif.OpRead {
			for i, off := 0, 0; off < chunk; i, off = i+1, off+constants.PageSize {
				copy(buf[off:chunk], pages[i])
			}
		}
		mm.PutPages(pages)
		if err != nil {
			return err
		}
		buf = buf[chunk:]
		sector += uint64(chunk / constants.SectorSize)
	}
	return nil
}

// Read fills buf from the disk starting at sector, blocking t until done.
func (d *Device) Read(t *sched.Thread, sector uint64, buf []byte) error {
	return d.transfer(t, blkif.OpRead, sector, buf)
}

// Write stores buf at sector, blocking t until the backend has it.
func (d *Device) Write(t *sched.Thread, sector uint64, buf []byte) error {
	return d.transfer(t, blkif.OpWrite, sector, buf)
}

// Flush asks the backend to make completed writes durable.
func (d *Device) Flush(t *sched.Thread) error {
	return d.submitWait(t, &Request{Op: blkif.OpFlush})
}

// Discard tells the backend that n sectors from sector no longer hold data.
func (d *Device) Discard(t *sched.Thread, sector, n uint64) error {
	return d.submitWait(t, &Request{Op: blkif.OpDiscard, Sector: sector, NrSectors: n})
}
