package sink

import (
	"context"
	"fmt"
	"log/slog"
	"server-hub/domain"
	"strconv"
	"strings"

	"github.com/abadojack/whatlanggo"
	"github.com/blugelabs/bluge"
	"github.com/blugelabs/bluge/analysis"
	"github.com/blugelabs/bluge/analysis/lang/en"
	"github.com/blugelabs/bluge/analysis/lang/fr"
)

const (
	fieldRecipient = "recipient"
	fieldScope     = "scope"
	fieldHeading   = "heading"
	fieldMessage   = "message"
	fieldLanguage  = "lang"
	stemmedPrefix  = "message_"
)

// stemmers holds the analyzers of the languages the moderation lists cover.
// Other languages are only searchable through the standard analyzer.
var stemmers = map[string]*analysis.Analyzer{
	"en": en.NewAnalyzer(),
	"fr": fr.Analyzer(),
}

type SearchHit struct {
	Recipient domain.Identity `json:"recipient"`
	Seq       uint64          `json:"seq"`
	Score     float64         `json:"score"`
}

// SearchIndex is a full text index of notification records, fed as a
// permanent sink of the dispatcher. Badger stays the source of truth:
// a hit only carries the record key.
type SearchIndex struct {
	writer *bluge.Writer
	log    *slog.Logger
}

func NewSearchIndex(config bluge.Config, log *slog.Logger) (*SearchIndex, error) {
	writer, err := bluge.OpenWriter(config)
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}
	return &SearchIndex{writer: writer, log: log}, nil
}

func (s *SearchIndex) Close() error {
	return s.writer.Close()
}

// Consume indexes the record. Re-indexing the same record replaces it.
func (s *SearchIndex) Consume(_ context.Context, record domain.NotificationRecord) error {
	doc := bluge.NewDocument(documentID(record.Recipient, record.Seq))
	doc.AddField(bluge.NewKeywordField(fieldRecipient, string(record.Recipient)))
	if record.HasScope() {
		doc.AddField(bluge.NewKeywordField(fieldScope, string(*record.Scope)))
	}
	doc.AddField(bluge.NewTextField(fieldHeading, record.Heading))
	doc.AddField(bluge.NewTextField(fieldMessage, record.Message))

	text := record.Heading + " " + record.Message
	info := whatlanggo.Detect(text)
	lang := info.Lang.Iso6391()
	if lang != "" {
		doc.AddField(bluge.NewKeywordField(fieldLanguage, lang).StoreValue())
	}
	if analyzer, ok := stemmers[lang]; ok && info.IsReliable() {
		doc.AddField(bluge.NewTextField(stemmedPrefix+lang, text).WithAnalyzer(analyzer))
	}

	if err := s.writer.Update(doc.ID(), doc); err != nil {
		return fmt.Errorf("index seq %d of %s: %w", record.Seq, record.Recipient, err)
	}
	return nil
}

// Search returns the best matches of text among the records of recipient,
// optionally restricted to one scope.
func (s *SearchIndex) Search(ctx context.Context, recipient domain.Identity, scope *domain.TenantScope,
	text string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	matches := bluge.NewBooleanQuery().
		AddShould(bluge.NewMatchQuery(text).SetField(fieldHeading)).
		AddShould(bluge.NewMatchQuery(text).SetField(fieldMessage))
	for lang, analyzer := range stemmers {
		matches.AddShould(bluge.NewMatchQuery(text).SetField(stemmedPrefix + lang).SetAnalyzer(analyzer))
	}
	matches.SetMinShould(1)

	query := bluge.NewBooleanQuery().
		AddMust(bluge.NewTermQuery(string(recipient)).SetField(fieldRecipient)).
		AddMust(matches)
	if scope != nil {
		query.AddMust(bluge.NewTermQuery(string(*scope)).SetField(fieldScope))
	}

	reader, err := s.writer.Reader()
	if err != nil {
		return nil, fmt.Errorf("open search reader: %w", err)
	}
	defer func() {
		if err := reader.Close(); err != nil {
			s.log.Warn("Unable to close search reader", "error", err)
		}
	}()

	iterator, err := reader.Search(ctx, bluge.NewTopNSearch(limit, query))
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", text, err)
	}
	var hits []SearchHit
	match, err := iterator.Next()
	for err == nil && match != nil {
		var id string
		if visitErr := match.VisitStoredFields(func(field string, value []byte) bool {
			if field == "_id" {
				id = string(value)
				return false
			}
			return true
		}); visitErr != nil {
			return nil, visitErr
		}
		if hitRecipient, seq, ok := parseDocumentID(id); ok {
			hits = append(hits, SearchHit{Recipient: hitRecipient, Seq: seq, Score: match.Score})
		}
		match, err = iterator.Next()
	}
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func documentID(recipient domain.Identity, seq uint64) string {
	return string(recipient) + "/" + strconv.FormatUint(seq, 10)
}

func parseDocumentID(id string) (domain.Identity, uint64, bool) {
	recipient, rawSeq, ok := strings.Cut(id, "/")
	if !ok {
		return "", 0, false
	}
	seq, err := strconv.ParseUint(rawSeq, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return domain.Identity(recipient), seq, true
}
