package exchange

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"text/template"
	"time"
)

const ewsTimeLayout = "2006-01-02T15:04:05"

// Response codes meaning the mailbox does not exist on this server.
var mailboxMissingCodes = map[string]bool{
	"ErrorMailRecipientNotFound":        true,
	"ErrorProxyRequestProcessingFailed": true,
}

type mailbox struct {
	Address      string
	AttendeeType string
}

type availabilityRequest struct {
	Mailboxes []mailbox
	Start     string
	End       string
}

// The request pins the time zone to UTC without daylight saving so that every
// returned event time is a UTC wall time.
var availabilityTemplate = template.Must(template.New("GetUserAvailability").Parse(`<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
  xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types"
  xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
  <soap:Header>
    <t:RequestServerVersion Version="Exchange2010_SP1"/>
  </soap:Header>
  <soap:Body>
    <m:GetUserAvailabilityRequest>
      <t:TimeZone>
        <t:Bias>0</t:Bias>
        <t:StandardTime><t:Bias>0</t:Bias><t:Time>00:00:00</t:Time><t:DayOrder>0</t:DayOrder><t:Month>0</t:Month><t:DayOfWeek>Sunday</t:DayOfWeek></t:StandardTime>
        <t:DaylightTime><t:Bias>0</t:Bias><t:Time>00:00:00</t:Time><t:DayOrder>0</t:DayOrder><t:Month>0</t:Month><t:DayOfWeek>Sunday</t:DayOfWeek></t:DaylightTime>
      </t:TimeZone>
      <m:MailboxDataArray>
{{- range .Mailboxes}}
        <t:MailboxData>
          <t:Email><t:Address>{{.Address}}</t:Address></t:Email>
          <t:AttendeeType>{{.AttendeeType}}</t:AttendeeType>
          <t:ExcludeConflicts>false</t:ExcludeConflicts>
        </t:MailboxData>
{{- end}}
      </m:MailboxDataArray>
      <t:FreeBusyViewOptions>
        <t:TimeWindow>
          <t:StartTime>{{.Start}}</t:StartTime>
          <t:EndTime>{{.End}}</t:EndTime>
        </t:TimeWindow>
        <t:MergedFreeBusyIntervalInMinutes>30</t:MergedFreeBusyIntervalInMinutes>
        <t:RequestedView>FreeBusyMerged</t:RequestedView>
      </t:FreeBusyViewOptions>
    </m:GetUserAvailabilityRequest>
  </soap:Body>
</soap:Envelope>
`))

func buildAvailabilityRequest(mailboxes []mailbox, start, end time.Time) ([]byte, error) {
	escaped := make([]mailbox, len(mailboxes))
	for i, m := range mailboxes {
		var b strings.Builder
		if err := xml.EscapeText(&b, []byte(m.Address)); err != nil {
			return nil, err
		}
		escaped[i] = mailbox{Address: b.String(), AttendeeType: m.AttendeeType}
	}

	var buf bytes.Buffer
	err := availabilityTemplate.Execute(&buf, availabilityRequest{
		Mailboxes: escaped,
		Start:     start.UTC().Format(ewsTimeLayout),
		End:       end.UTC().Format(ewsTimeLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render availability request: %w", err)
	}
	return buf.Bytes(), nil
}

type envelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault    *soapFault            `xml:"Fault"`
		Response *availabilityResponse `xml:"GetUserAvailabilityResponse"`
	} `xml:"Body"`
}

type soapFault struct {
	Code         string `xml:"faultcode"`
	String       string `xml:"faultstring"`
	ResponseCode string `xml:"detail>ResponseCode"`
}

type availabilityResponse struct {
	FreeBusy []freeBusyResponse `xml:"FreeBusyResponseArray>FreeBusyResponse"`
}

type freeBusyResponse struct {
	Message struct {
		Class        string `xml:"ResponseClass,attr"`
		Text         string `xml:"MessageText"`
		ResponseCode string `xml:"ResponseCode"`
	} `xml:"ResponseMessage"`
	View struct {
		Type   string          `xml:"FreeBusyViewType"`
		Events []calendarEvent `xml:"CalendarEventArray>CalendarEvent"`
	} `xml:"FreeBusyView"`
}

type calendarEvent struct {
	StartTime string `xml:"StartTime"`
	EndTime   string `xml:"EndTime"`
	BusyType  string `xml:"BusyType"`
}

// parseEWSTime reads an event time. Without an explicit offset the value is
// a UTC wall time, as requested.
func parseEWSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation(ewsTimeLayout, v, time.UTC)
}
