package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crowdbot/internal/task/engine"
	kit "crowdbot/internal/transport"
	"crowdbot/pkg/tgui"
)

const recentDeliveriesLimit = 10

func (b *Bot) dispatchNow(ctx context.Context, req *Request) error {
	s := b.serv.Scheduler
	if s == nil || b.serv.DispatchJob == "" {
		return b.reply(ctx, req, "Dispatch scheduling is not configured.", nil)
	}
	err := s.RunNow(b.serv.DispatchJob)
	switch {
	case err == nil:
		return b.reply(ctx, req, "Dispatch cycle queued.", nil)
	case errors.Is(err, engine.ErrOverlapSkip):
		return b.reply(ctx, req, "A dispatch cycle is already running.", nil)
	default:
		_ = b.reply(ctx, req, "Dispatch not queued: "+err.Error(), nil)
		return err
	}
}

// status reports dispatcher, engine and scheduler state. With a chat id
// argument it lists that recipient's latest deliveries instead.
func (b *Bot) status(ctx context.Context, req *Request) error {
	var text string
	if len(req.Args) > 0 {
		id, err := strconv.ParseInt(req.Args[0], 10, 64)
		if err != nil {
			return b.reply(ctx, req, "usage: /status [chat_id]", nil)
		}
		text, err = b.recipientStatus(ctx, id)
		if err != nil {
			_ = b.reply(ctx, req, "Delivery log unavailable: "+err.Error(), nil)
			return err
		}
	} else {
		text = b.overallStatus(time.Now())
	}
	_, err := req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func (b *Bot) overallStatus(now time.Time) string {
	var lines []tgui.H
	lines = append(lines, tgui.B("Dispatcher"))
	if d := b.serv.Dispatch; d != nil {
		lines = append(lines, tgui.Line(tgui.Esc("state:"), tgui.Code(d.State().String())))
		if rep, ok := d.LastReport(); ok {
			lines = append(lines,
				tgui.Line(tgui.Esc("last cycle:"), tgui.Code(rep.CycleID), tgui.Esc(ago(now, rep.FinishedAt)+" ago, took "+rep.Duration.Round(time.Millisecond).String())),
				tgui.Esc(fmt.Sprintf("posts %d, recipients %d (active %d)", rep.Posts, rep.Recipients, rep.Active)),
				tgui.Esc(fmt.Sprintf("delivered %d, skipped %d, outside window %d", rep.Delivered, rep.Skipped, rep.OutsideWindow)),
				tgui.Esc(fmt.Sprintf("failed %d, deactivated %d, media failures %d, panics %d", rep.FailedSends, rep.Deactivated, rep.MediaFailures, rep.Panics)),
			)
		} else {
			lines = append(lines, tgui.I("no cycle finished yet"))
		}
	} else {
		lines = append(lines, tgui.I("not configured"))
	}
	if l := b.serv.Ledger; l != nil {
		lines = append(lines, tgui.Esc(fmt.Sprintf("ledger: %d recipients, capacity %d", l.Len(), l.Capacity())))
	}

	if e := b.serv.Engine; e != nil {
		es := e.Snapshot()
		lines = append(lines, "", tgui.B("Task engine"),
			tgui.Esc(fmt.Sprintf("enabled %t, workers %d, in flight %d, queue %d/%d", es.Enabled, es.Workers, es.InFlight, es.QueueLen, es.QueueCap)),
			tgui.Esc(fmt.Sprintf("dropped %d, skipped %d", es.Dropped, es.Skipped)),
		)
		if n := len(es.History); n > 0 {
			h := es.History[n-1]
			line := fmt.Sprintf("last: %s %s ago", h.Name, ago(now, h.Started))
			if h.Error != "" {
				line += ", error: " + tgui.TruncRunes(h.Error, 120)
			}
			lines = append(lines, tgui.Esc(line))
		}
	}

	if s := b.serv.Scheduler; s != nil {
		ss := s.Snapshot()
		lines = append(lines, "", tgui.B("Scheduler"), tgui.Esc(fmt.Sprintf("enabled %t, tz %s", ss.Enabled, ss.Timezone)))
		for _, it := range ss.Schedules {
			line := fmt.Sprintf("%s [%s]", it.Name, it.Spec)
			if !it.Next.IsZero() {
				line += ", next in " + until(now, it.Next)
			}
			if it.Running {
				line += ", running"
			}
			lines = append(lines, tgui.Esc(line))
		}
	}

	if names := b.serv.RuntimeSupervisors.Names(); len(names) > 0 {
		lines = append(lines, "", tgui.B("Supervisors"))
		snaps := b.serv.RuntimeSupervisors.Snapshot()
		for _, name := range names {
			c := snaps[name].Counters()
			lines = append(lines, tgui.Esc(fmt.Sprintf("%s: active %d, started %d", name, c.Active, c.Started)))
		}
	}
	return tgui.JoinLines(lines...).String()
}

func (b *Bot) recipientStatus(ctx context.Context, id int64) (string, error) {
	lines := []tgui.H{tgui.Line(tgui.B("Recipient"), tgui.Code(strconv.FormatInt(id, 10)))}
	if l := b.serv.Ledger; l != nil {
		sent := l.Snapshot(id)
		ids := make([]string, 0, len(sent))
		for _, p := range sent {
			ids = append(ids, strconv.FormatInt(int64(p), 10))
		}
		if len(ids) == 0 {
			ids = append(ids, "none")
		}
		lines = append(lines, tgui.Line(tgui.Esc("ledger:"), tgui.Code(strings.Join(ids, ", "))))
	}
	if b.serv.Deliveries == nil {
		lines = append(lines, tgui.I("delivery log disabled"))
		return tgui.JoinLines(lines...).String(), nil
	}
	recs, err := b.serv.Deliveries.RecentDeliveries(ctx, id, recentDeliveriesLimit)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		lines = append(lines, tgui.I("no deliveries recorded"))
	}
	for _, r := range recs {
		line := fmt.Sprintf("%s post %d %s", r.At.UTC().Format("01-02 15:04:05"), r.PostID, r.Status)
		if r.Media > 0 || r.MediaFailed > 0 {
			line += fmt.Sprintf(" (media %d, failed %d)", r.Media, r.MediaFailed)
		}
		if r.Error != "" {
			line += ": " + tgui.TruncRunes(r.Error, 80)
		}
		lines = append(lines, tgui.Esc(line))
	}
	return tgui.JoinLines(lines...).String(), nil
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "?"
	}
	return now.Sub(t).Round(time.Second).String()
}

func until(now, t time.Time) string {
	return max(t.Sub(now), 0).Round(time.Second).String()
}
