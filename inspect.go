package main

import (
	"crypto/x509"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"netopsy/body"
	"netopsy/certs"
	"netopsy/parsing"
	"netopsy/parsing/tlsrecord"
	"netopsy/trace"
)

// ========================================
// Session listings
// ========================================

func writeSessionList(w io.Writer, sessions []trace.SessionIndex) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tMETHOD\tSTATUS\tURL")
	for _, s := range sessions {
		method, target, status := sessionColumns(s)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Number, method, status, target)
	}
	tw.Flush()
}

func writeSessionLine(w io.Writer, s trace.SessionIndex) {
	method, target, status := sessionColumns(s)
	fmt.Fprintf(w, "%d %s %s %s\n", s.Number, method, status, target)
}

func sessionColumns(s trace.SessionIndex) (method, target, status string) {
	method, target, status = "-", "-", "-"
	if s.Request != nil {
		method = s.Request.Method
		if s.Request.URL != nil {
			target = s.Request.URL.String()
			if s.IsTunnel() {
				target = s.Host()
			}
		}
	}
	if s.Response != nil {
		status = fmt.Sprintf("%d", s.Response.StatusCode)
	}
	return method, target, status
}

// ========================================
// Session detail
// ========================================

// writeSession prints one side of a session: start line, headers, the
// representations that apply, then the body rendered as kind. When kind was
// not chosen explicitly the richest applicable representation is used.
func writeSession(w io.Writer, t *trace.Trace, s trace.SessionIndex, response bool, kind body.Kind, explicit bool) error {
	if s.IsTunnel() && !response {
		if err := writeTunnel(w, t, s); err != nil || !explicit {
			return err
		}
	}

	var (
		msg  parsing.HTTPMessage
		line string
	)
	if response {
		if s.Response == nil {
			return fmt.Errorf("session %d has no response", s.Number)
		}
		resp, err := t.Response(s)
		if err != nil {
			return err
		}
		msg = resp
		line = fmt.Sprintf("%s %d %s", resp.Start.Version, resp.Start.StatusCode, resp.Start.StatusText)
	} else {
		req, err := t.Request(s)
		if err != nil {
			return err
		}
		msg = req
		line = fmt.Sprintf("%s %s %s", req.Start.Method, req.Start.Target, req.Start.Version)
	}

	fmt.Fprintln(w, line)
	w.Write(msg.MessageHeaders().Bytes())
	fmt.Fprintln(w)

	view := body.NewMessageView(msg)
	kinds := body.Available(view)
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	fmt.Fprintf(w, "[representations: %s]\n", strings.Join(names, ", "))

	if !explicit {
		kind = kinds[len(kinds)-1]
	}
	out, err := body.Render(kind, view)
	if err != nil {
		if explicit {
			return err
		}
		out, err = body.Render(body.KindRaw, view)
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "[%s]\n", out.Kind)
	fmt.Fprint(w, out.Text)
	if !strings.HasSuffix(out.Text, "\n") {
		fmt.Fprintln(w)
	}
	return nil
}

// writeTunnel summarizes the TLS records of an undecrypted tunnel.
func writeTunnel(w io.Writer, t *trace.Trace, s trace.SessionIndex) error {
	req, err := t.Request(s)
	if err != nil {
		return err
	}
	client := tlsrecord.ParseRecords(req.Body)
	fmt.Fprintf(w, "CONNECT %s\n", req.Start.Target)
	if sni, ok := tlsrecord.ServerName(client); ok {
		fmt.Fprintf(w, "SNI: %s\n", sni)
	}
	writeRecords(w, "client", client)

	if s.Response == nil {
		return nil
	}
	resp, err := t.Response(s)
	if err != nil {
		return err
	}
	writeRecords(w, "server", tlsrecord.ParseRecords(resp.Body))
	return nil
}

func writeRecords(w io.Writer, side string, records []tlsrecord.RecordContent) {
	if len(records) == 0 {
		fmt.Fprintf(w, "%s: no TLS records\n", side)
		return
	}
	for _, rec := range records {
		fmt.Fprintf(w, "%s: %s\n", side, rec.Summary())
	}
}

// ========================================
// CA status
// ========================================

func writeCAStatus(w io.Writer, root *x509.Certificate, ids []certs.Identity, now time.Time) {
	fmt.Fprintf(w, "Root:     %s\n", root.Subject.CommonName)
	fmt.Fprintf(w, "Expires:  %s\n", root.NotAfter.Format(time.DateOnly))
	fmt.Fprintf(w, "Leaves:   %d\n", len(ids))

	if len(ids) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tSERIAL\tEXPIRES\t")
	for _, id := range ids {
		expired := ""
		if now.After(id.NotAfter) {
			expired = "expired"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", id.Label, id.Serial, id.NotAfter.Format(time.DateOnly), expired)
	}
	tw.Flush()
}
