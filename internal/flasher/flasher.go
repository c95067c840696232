package flasher

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/stm32-bl-flasher/internal/protocol"
)

// Flasher sequences a complete firmware update:
//
//	GET_VER -> FLASH_ERASE -> MEM_WRITE per chunk -> GO_TO_ADDR
type Flasher struct {
	opts options
}

// Result summarizes a run.
type Result struct {
	Version      byte
	SectorStart  byte
	SectorCount  byte
	BytesSent    int64
	Chunks       int
	DeviceErrors []*DeviceError // tolerated under PolicyContinue
	Elapsed      time.Duration
}

// New creates a new Flasher.
func New(opts ...Option) *Flasher {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Flasher{opts: o}
}

// reportProgress calls the progress callback if set.
func (f *Flasher) reportProgress(p Progress) {
	if f.opts.progress != nil {
		f.opts.progress(p)
	}
}

// Run performs one update. The image and the transport are opened before
// any frame is sent and closed on every return path. A boot controller is
// released on every return path, including parameter errors. Transport timeouts,
// checksum rejections and protocol violations abort with *AbortError;
// device status errors follow p.OnDeviceError.
func (f *Flasher) Run(ctx context.Context, p Params) (res *Result, err error) {
	log := f.opts.log.WithField("port", p.Port)
	if f.opts.boot != nil {
		defer func() {
			if rerr := f.opts.boot.Release(); rerr != nil {
				log.WithError(rerr).Warn("failed to release boot pins")
			}
		}()
	}

	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid parameters")
	}
	policy, _ := ParsePolicy(string(p.OnDeviceError))
	start := time.Now()

	img, err := f.opts.openImage(p.ImagePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer img.Close()

	size := img.Size()
	if size <= 0 {
		return nil, errors.Errorf("image %s is empty", p.ImagePath)
	}
	if uint64(p.WriteAddress)+uint64(size) > 1<<32 {
		return nil, errors.Errorf("image of %d bytes does not fit at 0x%08X", size, p.WriteAddress)
	}

	sectors := int64(p.SectorCount)
	if sectors == 0 {
		sectors = protocol.SectorCount(size)
	}
	if sectors > 0xFF {
		return nil, errors.Errorf("image needs %d sectors", sectors)
	}
	if err := protocol.ValidateErase(p.SectorStart, byte(sectors)); err != nil {
		return nil, errors.Wrap(err, "invalid erase range")
	}

	if f.opts.boot != nil {
		if err := f.opts.boot.EnterBootloader(); err != nil {
			return nil, errors.Wrap(err, "failed to enter bootloader")
		}
	}

	port, err := f.opts.openTransport(p.Port, p.BaudRate)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open transport")
	}
	defer port.Close()

	res = &Result{
		SectorStart: p.SectorStart,
		SectorCount: byte(sectors),
	}
	defer func() { res.Elapsed = time.Since(start) }()

	client := NewClient(port, p.ReadTimeout, log)
	r := &run{f: f, log: log, policy: policy, res: res}

	// Step 1: bootloader version
	if err := r.step(ctx, PhaseVersion); err != nil {
		return res, err
	}
	res.Version, err = client.GetVersion()
	if err := r.check("get version", err); err != nil {
		return res, err
	}
	log.Infof("bootloader version 0x%02X", res.Version)

	// Step 2: erase
	if err := r.step(ctx, PhaseErase); err != nil {
		return res, err
	}
	log.Infof("erasing %d sector(s) from sector %d", sectors, p.SectorStart)
	_, err = client.FlashErase(p.SectorStart, byte(sectors))
	if err := r.check("flash erase", err); err != nil {
		return res, err
	}

	// Step 3: write
	if err := r.write(ctx, client, NewSession(img, size, p.WriteAddress)); err != nil {
		return res, err
	}

	// Step 4: jump
	if err := r.step(ctx, PhaseGo); err != nil {
		return res, err
	}
	log.Infof("jumping to 0x%08X", p.EntryAddress)
	_, err = client.GoToAddress(p.EntryAddress)
	if err := r.check("go to address", err); err != nil {
		return res, err
	}

	f.reportProgress(Progress{
		Phase:       PhaseComplete,
		Chunk:       res.Chunks,
		TotalChunks: res.Chunks,
		BytesSent:   res.BytesSent,
		TotalBytes:  size,
	})
	log.WithFields(logrus.Fields{
		"bytes":         res.BytesSent,
		"chunks":        res.Chunks,
		"device_errors": len(res.DeviceErrors),
	}).Info("update complete")

	return res, nil
}

// run holds the state of one Flasher.Run call.
type run struct {
	f      *Flasher
	log    logrus.FieldLogger
	policy DeviceErrorPolicy
	res    *Result
}

func (r *run) step(ctx context.Context, phase string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "cancelled before %s", phase)
	}
	r.f.reportProgress(Progress{Phase: phase, BytesSent: r.res.BytesSent})
	return nil
}

// check applies the failure policy to the outcome of one command.
func (r *run) check(step string, err error) error {
	if err == nil {
		return nil
	}

	var devErr *DeviceError
	if errors.As(err, &devErr) {
		if r.policy == PolicyContinue {
			r.log.WithError(err).Warn("device reported an error, continuing")
			r.res.DeviceErrors = append(r.res.DeviceErrors, devErr)
			return nil
		}
		return errors.Wrap(err, step)
	}

	return &AbortError{Step: step, Err: err}
}

func (r *run) write(ctx context.Context, client *Client, s *Session) error {
	total := s.Chunks()
	r.log.Infof("writing %d bytes in %d chunk(s) at 0x%08X", s.Total(), total, s.Address())
	if err := r.step(ctx, PhaseWrite); err != nil {
		return err
	}

	for {
		chunk, err := s.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to read image")
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "cancelled at chunk %d", chunk.Index)
		}

		r.log.Debugf("wm: chunk %d @ 0x%08X [l=%d, %d left]", chunk.Index, chunk.Address, len(chunk.Data), s.Remaining())
		_, err = client.MemWrite(chunk.Address, chunk.Data)
		if err := r.check("memory write", err); err != nil {
			return errors.WithMessagef(err, "chunk %d", chunk.Index)
		}

		r.res.Chunks++
		r.res.BytesSent = s.BytesSent()
		r.f.reportProgress(Progress{
			Phase:       PhaseWrite,
			Chunk:       r.res.Chunks,
			TotalChunks: total,
			BytesSent:   s.BytesSent(),
			TotalBytes:  s.Total(),
			Address:     s.Address(),
		})
	}
}
