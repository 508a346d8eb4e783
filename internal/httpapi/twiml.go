package httpapi

import (
	"encoding/xml"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// handleIncomingCall answers the telephony webhook with a document telling
// the provider to open a bidirectional media stream back to this server.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	var params []twimlParameter
	if err := r.ParseForm(); err == nil {
		if callSID := r.FormValue("CallSid"); callSID != "" {
			params = append(params, twimlParameter{Name: "callSid", Value: callSID})
			s.log.WithFields(logrus.Fields{
				"call_sid": callSID,
				"from":     r.FormValue("From"),
				"to":       r.FormValue("To"),
			}).Info("incoming call")
		}
	}

	doc := twimlResponse{Connect: twimlConnect{Stream: twimlStream{
		URL:        s.streamURL(r),
		Parameters: params,
	}}}
	body, err := xml.Marshal(doc)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

func (s *Server) streamURL(r *http.Request) string {
	if u := strings.TrimSpace(s.cfg.PublicStreamURL); u != "" {
		return u
	}
	scheme := "wss"
	if r.TLS == nil && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "http") {
		scheme = "ws"
	}
	return scheme + "://" + r.Host + "/media-stream"
}
