package uploadclient

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	progressMaxCells     = 40
	progressRenderPeriod = 120 * time.Millisecond
)

type chunkState uint8

const (
	chunkPending chunkState = iota
	chunkResumed            // уже был на сервере
	chunkSending
	chunkSent
)

// cellRank: какое состояние видно в ячейке, покрывающей несколько чанков.
var cellRank = [...]struct {
	rank int
	mark byte
}{
	chunkResumed: {0, '='},
	chunkSent:    {1, '#'},
	chunkPending: {2, '.'},
	chunkSending: {3, '>'},
}

// chunkProgress рисует карту чанков одной загрузки: '=' докачан ранее, '#' отправлен,
// '>' отправляется, '.' ждёт. Как io.Writer считает байты текущего чанка.
type chunkProgress struct {
	mu        sync.Mutex
	out       io.Writer
	name      string
	states    []chunkState
	resumed   int
	sent      int
	sentBytes int64
	lastDraw  time.Time
	lastWidth int
	closed    bool
}

// newChunkProgress возвращает nil, если вывод отключён; методы nil-значения ничего не делают.
func newChunkProgress(out io.Writer, name string, total int) *chunkProgress {
	if out == nil {
		return nil
	}
	return &chunkProgress{out: out, name: name, states: make([]chunkState, total)}
}

// Resumed отмечает чанк, который сервер уже принял в прошлой попытке.
func (p *chunkProgress) Resumed(idx int) {
	p.mark(idx, chunkResumed)
}

func (p *chunkProgress) Sending(idx int) {
	p.mark(idx, chunkSending)
}

func (p *chunkProgress) Sent(idx int) {
	p.mark(idx, chunkSent)
}

func (p *chunkProgress) mark(idx int, st chunkState) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || idx < 0 || idx >= len(p.states) {
		return
	}
	switch st {
	case chunkResumed:
		p.resumed++
	case chunkSent:
		p.sent++
	}
	p.states[idx] = st
	p.drawLocked("", false)
}

func (p *chunkProgress) Write(b []byte) (int, error) {
	if p == nil || len(b) == 0 {
		return len(b), nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sentBytes += int64(len(b))
	if !p.closed && time.Since(p.lastDraw) >= progressRenderPeriod {
		p.drawLocked("", false)
	}
	return len(b), nil
}

// Done печатает итоговую строку; err == nil означает успешный finalize.
func (p *chunkProgress) Done(err error) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if err != nil {
		p.drawLocked(" failed: "+err.Error(), true)
		return
	}
	p.drawLocked(" done", true)
}

func (p *chunkProgress) drawLocked(suffix string, final bool) {
	line := p.lineLocked() + suffix
	pad := ""
	if p.lastWidth > len(line) {
		pad = strings.Repeat(" ", p.lastWidth-len(line))
	}
	p.lastWidth = len(line)
	p.lastDraw = time.Now()

	end := ""
	if final {
		end = "\n"
	}
	fmt.Fprintf(p.out, "\r%s%s%s", line, pad, end)
}

func (p *chunkProgress) lineLocked() string {
	var b strings.Builder
	b.WriteString(p.name)
	b.WriteString(" [")
	b.WriteString(p.cellsLocked())
	fmt.Fprintf(&b, "] %d/%d chunks", p.resumed+p.sent, len(p.states))
	if p.resumed > 0 {
		fmt.Fprintf(&b, " (%d resumed)", p.resumed)
	}
	fmt.Fprintf(&b, ", %s sent", humanBytes(p.sentBytes))
	return b.String()
}

// cellsLocked сжимает карту до progressMaxCells ячеек.
func (p *chunkProgress) cellsLocked() string {
	total := len(p.states)
	if total == 0 {
		return ""
	}
	per := (total + progressMaxCells - 1) / progressMaxCells
	cells := make([]byte, 0, (total+per-1)/per)
	for lo := 0; lo < total; lo += per {
		top := p.states[lo]
		for _, st := range p.states[lo:min(lo+per, total)] {
			if cellRank[st].rank > cellRank[top].rank {
				top = st
			}
		}
		cells = append(cells, cellRank[top].mark)
	}
	return string(cells)
}

func humanBytes(v int64) string {
	const unit = 1024
	if v < unit {
		return fmt.Sprintf("%d B", v)
	}
	div, exp := int64(unit), 0
	for n := v / unit; n >= unit && exp < 4; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(v)/float64(div), "KMGTP"[exp])
}
