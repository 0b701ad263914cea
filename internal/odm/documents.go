package odm

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"ravesim/pkg/domain"
)

// ODM namespaces written on every ODM root.
const (
	NamespaceODM   = "http://www.cdisc.org/ns/odm/v1.3"
	NamespaceMdsol = "http://www.mdsol.com/ns/odm/metadata"
	NamespaceXlink = "http://www.w3.org/1999/xlink"
)

// TimeLayout is the millisecond UTC timestamp format used in documents.
const TimeLayout = domain.TimestampLayout

// DefaultVersion is reported when no service version is configured.
const DefaultVersion = "1.18.0"

// Document kinds, used in FileOIDs and export keys.
const (
	KindMetadata     = "metadata"
	KindClinicalData = "clinicaldata"
	KindSubjects     = "subjects"
	KindAudit        = "audit"
	KindStatus       = "status"
	KindStudies      = "studies"
)

// ErrSubjectNotFound is returned when a single-subject document names an
// unknown subject key.
var ErrSubjectNotFound = errors.New("subject not found")

// FormatTime renders t as a millisecond UTC timestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// FileOID derives a stable document identifier so identical state renders
// identical bytes.
func FileOID(kind, studyOID string, ticks int64) string {
	name := fmt.Sprintf("%s|%s|%d", kind, studyOID, ticks)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func root(kind, studyOID string, ticks int64, asOf time.Time) *Node {
	return El("ODM",
		"FileType", "Snapshot",
		"FileOID", FileOID(kind, studyOID, ticks),
		"CreationDateTime", FormatTime(asOf),
		"ODMVersion", "1.3",
		"xmlns", NamespaceODM,
		"xmlns:mdsol", NamespaceMdsol,
		"xmlns:xlink", NamespaceXlink,
	)
}

func metadataVersionOID(s domain.Study) string {
	if s.MetadataVersionOID == "" {
		return "1"
	}
	return s.MetadataVersionOID
}

func formatDay(d domain.DayOffset) string {
	return strconv.FormatFloat(d.Normalized(), 'f', -1, 64)
}

// MetadataOptions adjusts the metadata document.
type MetadataOptions struct {
	// StudyOID overrides the study OID written on the Study element.
	StudyOID string
}

// Metadata renders ODM/Study/MetaDataVersion with one StudyEventDef per
// visit, one FormDef per form and an ItemDef catalog of audited fields.
func Metadata(v domain.View, opts MetadataOptions) *Node {
	oid := opts.StudyOID
	if oid == "" {
		oid = v.Study.OID
	}
	name := v.Study.Name
	if name == "" {
		name = v.Study.ProjectName
	}
	globals := El("GlobalVariables").Add(
		El("StudyName").WithText(name),
		El("StudyDescription").WithText(v.Study.Description),
		El("ProtocolName").WithText(v.Study.ProjectName),
	)
	mdv := El("MetaDataVersion", "OID", metadataVersionOID(v.Study), "Name", "Simulated metadata")
	for _, visit := range v.SortedVisitSummaries() {
		def := El("StudyEventDef",
			"OID", visit.Key,
			"Name", visit.Name,
			"SampleSize", strconv.Itoa(visit.SubjectCount),
			"PlannedDay", formatDay(visit.DayOffset),
		)
		for _, form := range v.FormsForVisit(visit.Key) {
			def.Add(El("FormRef", "FormOID", form, "Mandatory", "Yes"))
		}
		mdv.Add(def)
	}
	for _, form := range v.SortedFormSummaries() {
		mdv.Add(El("FormDef", "OID", form.OID, "Name", form.Name, "UsageCount", strconv.Itoa(form.SubjectCount)))
	}
	for _, item := range itemCatalog(v) {
		mdv.Add(El("ItemDef", "OID", item, "Name", itemName(item), "DataType", dataType(v.Rules[item])))
	}
	study := El("Study", "OID", oid).Add(globals, mdv)
	return root(KindMetadata, oid, v.Ticks, v.AsOf).Add(study)
}

func itemCatalog(v domain.View) []string {
	seen := make(map[string]struct{}, len(v.AuditFields)+len(v.Rules))
	for _, f := range v.AuditFields {
		seen[f] = struct{}{}
	}
	for f := range v.Rules {
		seen[f] = struct{}{}
	}
	if len(seen) == 0 {
		return []string{"DM.SEX"}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func itemName(oid string) string {
	if i := strings.LastIndex(oid, "."); i >= 0 && i < len(oid)-1 {
		return oid[i+1:]
	}
	return oid
}

func dataType(rule domain.ValueRule) string {
	if _, ok := rule.(domain.RangeRule); ok {
		return "integer"
	}
	return "text"
}

// ClinicalOptions narrows the clinical data document.
type ClinicalOptions struct {
	// FormOID keeps only forms with this OID when set.
	FormOID string
	// SubjectKey renders a single subject when set.
	SubjectKey string
}

// ClinicalData renders ODM/ClinicalData/SubjectData for every collected
// visit. A SubjectKey that matches no subject yields ErrSubjectNotFound.
func ClinicalData(v domain.View, opts ClinicalOptions) (*Node, error) {
	cd := El("ClinicalData", "StudyOID", v.Study.OID, "MetaDataVersionOID", metadataVersionOID(v.Study))
	matched := false
	for _, s := range v.Subjects {
		if opts.SubjectKey != "" && s.Key != opts.SubjectKey {
			continue
		}
		matched = true
		cd.Add(subjectData(v, s, opts.FormOID))
	}
	if opts.SubjectKey != "" && !matched {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, opts.SubjectKey)
	}
	return root(KindClinicalData, v.Study.OID, v.Ticks, v.AsOf).Add(cd), nil
}

func subjectData(v domain.View, s domain.Subject, formFilter string) *Node {
	sd := El("SubjectData", "SubjectKey", s.Key).Add(El("SiteRef", "LocationOID", s.Site))
	for _, visit := range collectedVisits(v, s) {
		event := El("StudyEventData", "StudyEventOID", visit.Key, "StudyEventRepeatKey", "1")
		for _, form := range visit.Forms {
			if formFilter != "" && form.OID != formFilter {
				continue
			}
			group := El("ItemGroupData", "ItemGroupOID", form.OID+"_LOG_LINE")
			for _, field := range v.AuditFields {
				if !domain.MatchesForm(field, form.OID) {
					continue
				}
				group.Add(El("ItemData", "ItemOID", field, "Value", s.FieldValues[field]))
			}
			event.Add(El("FormData", "FormOID", form.OID, "FormRepeatKey", "1").Add(group))
		}
		if formFilter != "" && len(event.Children) == 0 {
			continue
		}
		sd.Add(event)
	}
	return sd
}

// collectedVisits lists the visits a subject has moved past plus the current
// visit when it is partially collected or is the completed final visit.
// Partial visits carry only the forms that were collected.
func collectedVisits(v domain.View, s domain.Subject) []domain.VisitPlanEntry {
	plan := planFor(v, s.Key)
	if len(plan) == 0 {
		return nil
	}
	idx := min(max(0, s.VisitIndex), len(plan)-1)
	out := make([]domain.VisitPlanEntry, 0, idx+1)
	out = append(out, plan[:idx]...)
	current := plan[idx]
	switch {
	case s.VisitStatus == domain.VisitPartial:
		current.Forms = current.Forms[:min(len(current.Forms), max(1, len(current.Forms)/2))]
		out = append(out, current)
	case s.VisitStatus == domain.VisitCompleted && idx == len(plan)-1:
		out = append(out, current)
	}
	return out
}

func planFor(v domain.View, key string) []domain.VisitPlanEntry {
	if plan := v.VisitPlans[key]; len(plan) > 0 {
		return plan
	}
	plan := make([]domain.VisitPlanEntry, 0, len(v.Templates))
	for i, t := range v.Templates {
		plan = append(plan, domain.VisitPlanEntry{
			Key:       fmt.Sprintf("VISIT-%d", i+1),
			Name:      t.Name,
			DayOffset: t.DayOffset,
			Forms:     t.Forms,
		})
	}
	return plan
}

// Subjects renders the roster with progress and visit position.
func Subjects(v domain.View) *Node {
	out := El("Subjects")
	for _, s := range v.Subjects {
		visitName := "Visit"
		if visit, ok := v.CurrentVisit(s); ok && visit.Name != "" {
			visitName = visit.Name
		}
		el := El("Subject",
			"SubjectKey", s.Key,
			"Status", string(s.Status),
			"SiteNumber", s.Site,
			"Progress", strconv.Itoa(s.Progress),
			"CurrentVisit", visitName,
		)
		if s.SiteName != "" {
			el.Attr("SiteName", s.SiteName)
		}
		if s.VisitStatus != "" {
			el.Attr("VisitStatus", string(s.VisitStatus))
		}
		if s.DelayedUntil != nil {
			el.Attr("DelayedUntil", FormatTime(*s.DelayedUntil))
		}
		out.Add(el)
	}
	return out
}

// AuditOptions overrides the audit document attributes.
type AuditOptions struct {
	StudyOID string
	Mode     string
	Unicode  string
	FormOID  string
}

// Audit renders one page of audit records.
func Audit(v domain.View, records []domain.AuditRecord, opts AuditOptions) *Node {
	studyOID := opts.StudyOID
	if studyOID == "" {
		studyOID = v.Study.OID
	}
	mode := opts.Mode
	if mode == "" {
		mode = "Full"
	}
	unicode := opts.Unicode
	if unicode == "" {
		unicode = "N"
	}
	recs := El("AuditRecords", "Mode", mode, "Unicode", unicode)
	if opts.FormOID != "" {
		recs.Attr("FormOID", opts.FormOID)
	}
	for _, r := range records {
		recs.Add(El("AuditRecord",
			"ID", strconv.FormatInt(r.ID, 10),
			"User", r.User,
			"FieldOID", r.FieldOID,
			"OldValue", r.OldValue,
			"NewValue", r.NewValue,
			"DateTimeStamp", FormatTime(r.Timestamp),
		))
	}
	cd := El("ClinicalData", "StudyOID", studyOID, "MetaDataVersionOID", metadataVersionOID(v.Study)).Add(recs)
	return root(KindAudit, studyOID, v.Ticks, v.AsOf).Add(cd)
}

// Status renders the simulator status element.
func Status(v domain.View) *Node {
	return El("SimulatorStatus",
		"mode", "simulator",
		"ticks", strconv.FormatInt(v.Ticks, 10),
		"totalSubjects", strconv.Itoa(len(v.Subjects)),
	).Add(El("Auto",
		"intervalMs", strconv.FormatInt(v.IntervalMS, 10),
		"running", strconv.FormatBool(v.Running),
	))
}

// Studies lists the simulated studies.
func Studies(studies []domain.Study, asOf time.Time) *Node {
	odm := root(KindStudies, "", 0, asOf)
	for _, s := range studies {
		_, env, _ := domain.ParseStudyOID(s.OID)
		if env == "" {
			env = s.Environment
		}
		name := s.Name
		if name == "" {
			name = s.ProjectName
		}
		odm.Add(El("Study", "OID", s.OID, "mdsol:ProjectType", "Project", "Environment", env).Add(
			El("GlobalVariables").Add(
				El("StudyName").WithText(name),
				El("StudyDescription").WithText(s.Description),
				El("ProtocolName").WithText(s.ProjectName),
			),
		))
	}
	return odm
}

// TwoHundred renders the health response.
func TwoHundred(now time.Time) *Node {
	return El("TwoHundred").Add(
		El("Status").WithText("OK"),
		El("Message").WithText("Service is running"),
		El("Timestamp").WithText(FormatTime(now)),
	)
}

// Version renders the service version, defaulting to DefaultVersion.
func Version(version string) string {
	if strings.TrimSpace(version) == "" {
		return DefaultVersion
	}
	return version
}

// ErrorResponse renders an RWS error response.
func ErrorResponse(reasonCode, message string) *Node {
	return El("Response", "ReasonCode", reasonCode, "ErrorClientResponseMessage", message)
}
