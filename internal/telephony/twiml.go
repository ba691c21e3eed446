package telephony

import (
	"encoding/xml"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// StreamPath is where Twilio connects the media stream
const StreamPath = "/streams/twilio"

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect"`
}

type twimlSay struct {
	Text string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// streamURL builds the wss URL of the media stream endpoint. publicURL, when
// set, overrides the request host.
func streamURL(publicURL string, r *http.Request) string {
	if publicURL != "" {
		if u, err := url.Parse(publicURL); err == nil && u.Host != "" {
			scheme := "wss"
			if u.Scheme == "http" || u.Scheme == "ws" {
				scheme = "ws"
			}
			return scheme + "://" + u.Host + strings.TrimRight(u.Path, "/") + StreamPath
		}
	}
	return "wss://" + r.Host + StreamPath
}

// IncomingCallHandler answers Twilio's voice webhook with TwiML that
// connects the call to the media stream
func IncomingCallHandler(publicURL, greeting string, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			logger.Warn().Err(err).Msg("Failed to parse incoming call form")
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}

		callSid := r.FormValue("CallSid")
		logger.Info().
			Str("call_sid", callSid).
			Str("from", r.FormValue("From")).
			Str("to", r.FormValue("To")).
			Msg("Incoming call")

		resp := twimlResponse{
			Connect: &twimlConnect{Stream: twimlStream{URL: streamURL(publicURL, r)}},
		}
		if greeting != "" {
			resp.Say = &twimlSay{Text: greeting}
		}
		if callSid != "" {
			resp.Connect.Stream.Parameters = append(resp.Connect.Stream.Parameters, twimlParameter{Name: "call_sid", Value: callSid})
		}

		body, err := xml.Marshal(resp)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to render TwiML")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(xml.Header))
		_, _ = w.Write(body)
	}
}

// StatusCallbackHandler logs Twilio call status updates
func StatusCallbackHandler(logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}

		logger.Info().
			Str("call_sid", r.FormValue("CallSid")).
			Str("status", r.FormValue("CallStatus")).
			Str("duration", r.FormValue("CallDuration")).
			Msg("Call status update")

		w.WriteHeader(http.StatusOK)
	}
}
