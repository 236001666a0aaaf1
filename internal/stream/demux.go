package stream

import (
	"bytes"
	"errors"
	"io"
	"time"
)

// soi é o marcador de início de imagem JPEG.
var soi = []byte{0xFF, 0xD8}

// maxFrameBytes descarta o acumulador se nenhum marcador aparecer.
const maxFrameBytes = 8 << 20

// Demuxer separa um fluxo MJPEG em frames: tudo entre um SOI e o próximo é um
// frame. Um frame só é aceito se passou pelo menos interval desde o último
// aceito; os outros são descartados.
type Demuxer struct {
	interval time.Duration
	now      func() time.Time

	buf     []byte
	scan    int
	started bool

	last    time.Time
	hasLast bool

	dropped int
}

func NewDemuxer(interval time.Duration, now func() time.Time) *Demuxer {
	if now == nil {
		now = time.Now
	}
	return &Demuxer{interval: interval, now: now}
}

// Feed acrescenta chunk e devolve os frames aceitos.
func (d *Demuxer) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	if !d.started {
		i := bytes.Index(d.buf, soi)
		if i < 0 {
			// guarda um 0xFF solto, o D8 pode vir no próximo chunk
			if n := len(d.buf); n > 0 && d.buf[n-1] == soi[0] {
				d.buf = append(d.buf[:0], soi[0])
			} else {
				d.buf = d.buf[:0]
			}
			return nil
		}
		d.buf = append(d.buf[:0], d.buf[i:]...)
		d.started = true
		d.scan = len(soi)
	}

	var frames [][]byte
	for {
		i := bytes.Index(d.buf[d.scan:], soi)
		if i < 0 {
			// o marcador pode estar dividido entre chunks
			if n := len(d.buf) - 1; n > d.scan {
				d.scan = n
			}
			break
		}
		end := d.scan + i
		frame := append([]byte(nil), d.buf[:end]...)
		d.buf = append(d.buf[:0], d.buf[end:]...)
		d.scan = len(soi)
		if d.accept() {
			frames = append(frames, frame)
		} else {
			d.dropped++
		}
	}

	if len(d.buf) > maxFrameBytes {
		d.buf = d.buf[:0]
		d.started = false
		d.scan = 0
	}
	return frames
}

func (d *Demuxer) accept() bool {
	now := d.now()
	if d.hasLast && now.Sub(d.last) < d.interval {
		return false
	}
	d.last = now
	d.hasLast = true
	return true
}

// Dropped conta os frames descartados pelo limite de taxa.
func (d *Demuxer) Dropped() int { return d.dropped }

// Pump lê r até EOF entregando cada frame aceito para emit.
func (d *Demuxer) Pump(r io.Reader, emit func(frame []byte)) error {
	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			for _, frame := range d.Feed(chunk[:n]) {
				emit(frame)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
