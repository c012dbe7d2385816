package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-stats-bot/internal/domain"
	"tg-stats-bot/internal/infra/metrics"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

var (
	// <span class="tgme_widget_message_views">1.2K</span>
	viewsRe = regexp.MustCompile(`(?i)tgme_widget_message_views[^>]*>([^<]+)<`)
	// <div class="tgme_page_extra">123 456 subscribers</div>
	subscribersPageRe = regexp.MustCompile(`(?i)tgme_page_extra[^>]*>([^<]*?)([\d\s.,KM]+)\s*subscriber`)
	subscribersBareRe = regexp.MustCompile(`(?i)([\d\s.,KM]+)\s*subscribers`)
)

// reactionExtractors перечисляет стратегии разбора реакций в порядке
// предпочтения. Стратегии пробуются по очереди, пока одна не даст
// ненулевую сумму.
var reactionExtractors = []struct {
	name string
	re   *regexp.Regexp
}{
	{"span", regexp.MustCompile(`(?i)tgme_widget_message_reaction_count[^>]*>([^<]+)<`)},
	{"data", regexp.MustCompile(`(?i)data-reaction-count=["']([^"']+)["']`)},
	{"class", regexp.MustCompile(`(?i)class=["'].*?reaction.*?count.*?["'][^>]*>(\d+)<`)},
}

// Collector собирает статистику с публичных embed-страниц t.me.
// Работает без авторизации, поэтому результат всегда best-effort:
// отсутствие разметки трактуется как ноль, а не как ошибка.
type Collector struct {
	httpClient *http.Client
	baseURL    string
	log        zerolog.Logger
}

// NewCollector создаёт коллектор.
func NewCollector(logger zerolog.Logger, client *http.Client) *Collector {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Collector{
		httpClient: client,
		baseURL:    "https://t.me",
		log:        logger.With().Str("component", "scrape").Logger(),
	}
}

// PostStats возвращает просмотры и реакции поста. Если страница поста
// недоступна, возвращает nil без ошибки.
func (c *Collector) PostStats(ctx context.Context, channel string, messageID int64) (*domain.PostStats, error) {
	pageURL := fmt.Sprintf("%s/%s/%d?embed=1&mode=tme", c.baseURL, channel, messageID)
	html, err := c.fetch(ctx, "post_stats", pageURL, channel)
	if err != nil {
		c.log.Warn().Err(err).Str("channel", channel).Int64("message_id", messageID).Msg("страница поста недоступна")
		return nil, nil
	}

	views := 0
	if m := viewsRe.FindStringSubmatch(html); m != nil {
		views = parseCount(m[1])
	}

	reactions := 0
	for _, extractor := range reactionExtractors {
		for _, m := range extractor.re.FindAllStringSubmatch(html, -1) {
			reactions += parseCount(m[1])
		}
		if reactions > 0 {
			break
		}
	}

	return &domain.PostStats{Views: views, Reactions: reactions}, nil
}

// Subscribers возвращает число подписчиков канала или nil, если его
// не удалось распарсить.
func (c *Collector) Subscribers(ctx context.Context, channel string) (*int, error) {
	html, err := c.fetch(ctx, "subscribers", c.baseURL+"/"+channel, channel)
	if err != nil {
		c.log.Warn().Err(err).Str("channel", channel).Msg("страница канала недоступна")
		return nil, nil
	}

	if m := subscribersPageRe.FindStringSubmatch(html); m != nil {
		count := parseCount(m[2])
		return &count, nil
	}
	if m := subscribersBareRe.FindStringSubmatch(html); m != nil {
		count := parseCount(m[1])
		return &count, nil
	}
	c.log.Debug().Str("channel", channel).Msg("число подписчиков не найдено в разметке")
	return nil, nil
}

func (c *Collector) fetch(ctx context.Context, operation, pageURL, channel string) (string, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("scrape", operation, channel, start, err)
	if err != nil {
		metrics.ScrapeErrors.Inc()
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.ScrapeErrors.Inc()
		return "", fmt.Errorf("t.me ответил статусом %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parseCount разбирает счётчик вида "1.2K", "5.3M" или "123 456".
// Нечисловой ввод даёт 0.
func parseCount(raw string) int {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case strings.HasSuffix(raw, "K"):
		return scaleCount(strings.TrimSuffix(raw, "K"), 1000)
	case strings.HasSuffix(raw, "M"):
		return scaleCount(strings.TrimSuffix(raw, "M"), 1000000)
	default:
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, raw)
		n, err := strconv.Atoi(digits)
		if err != nil {
			return 0
		}
		return n
	}
}

func scaleCount(raw string, factor float64) int {
	raw = strings.NewReplacer(" ", "", ",", ".").Replace(strings.TrimSpace(raw))
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	scaled := value * factor
	return int(scaled + 0.5)
}
