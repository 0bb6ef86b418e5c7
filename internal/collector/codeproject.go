package collector

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
)

const (
	CodeProjectListingURL = "https://www.codeproject.com/script/News/List.aspx"

	codeProjectDateLayout = "2 Jan 2006"
	codeProjectTimeout    = 20 * time.Second
	// 列表里混着论坛热帖之类的非新闻行
	hotThreadsCategory = "Hot Threads"
)

// CodeProjectFeed 抓取 CodeProject 新闻列表页
type CodeProjectFeed struct {
	URL       string
	UserAgent string

	log *logrus.Entry
}

func NewCodeProjectFeed(listingURL, userAgent string, log *logrus.Entry) *CodeProjectFeed {
	if listingURL == "" {
		listingURL = CodeProjectListingURL
	}
	return &CodeProjectFeed{
		URL:       listingURL,
		UserAgent: userAgent,
		log:       log.WithField("feed", "CodeProject"),
	}
}

func (f *CodeProjectFeed) Name() string {
	return "CodeProject"
}

func (f *CodeProjectFeed) String() string {
	return f.Name()
}

func (f *CodeProjectFeed) Fetch(ctx context.Context, minDate time.Time) ([]NewsItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.log.WithField("url", f.URL).Debug("fetch listing")

	body, err := f.download()
	if err != nil {
		return nil, err
	}
	return f.FetchRaw(body, minDate)
}

// FetchRaw 解析已经下载好的页面，不发起网络请求
func (f *CodeProjectFeed) FetchRaw(raw []byte, minDate time.Time) ([]NewsItem, error) {
	items, err := ParseCodeProject(raw)
	if err != nil {
		return nil, fmt.Errorf("codeproject: %w", err)
	}

	base, _ := url.Parse(f.URL)
	for i := range items {
		items[i].URL = absoluteURL(base, items[i].URL)
	}

	picked := Pick(items, minDate)
	f.log.WithFields(logrus.Fields{
		"parsed": len(items),
		"picked": len(picked),
	}).Debug("listing parsed")
	return picked, nil
}

func (f *CodeProjectFeed) download() ([]byte, error) {
	// 每次新建 collector，避免 colly 记住已访问的 URL 导致后续轮次被跳过
	c := colly.NewCollector(
		colly.UserAgent(f.UserAgent),
	)
	c.SetRequestTimeout(codeProjectTimeout)

	var body []byte
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})

	if err := c.Visit(f.URL); err != nil {
		return nil, fmt.Errorf("codeproject: visit %s: %w", f.URL, err)
	}
	return body, nil
}

// ParseCodeProject 把列表页 HTML 解析成新闻列表。
// 缺少必需单元格的行（广告等）直接跳过；日期无法解析说明上游格式变了，整页报错。
func ParseCodeProject(raw []byte) ([]NewsItem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStructure, err)
	}

	table := doc.Find("table.feature.news")
	if table.Length() == 0 {
		return nil, fmt.Errorf("%w: news table not found", ErrStructure)
	}

	rows := table.First().Find("tr")
	items := make([]NewsItem, 0, rows.Length())

	var rowErr error
	rows.EachWithBreak(func(i int, row *goquery.Selection) bool {
		// 第一行是表头
		if i == 0 {
			return true
		}
		item, ok, err := parseCodeProjectRow(row)
		if err != nil {
			rowErr = err
			return false
		}
		if ok {
			items = append(items, item)
		}
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}

	return items, nil
}

func parseCodeProjectRow(row *goquery.Selection) (NewsItem, bool, error) {
	title := row.Find("td div.hover-container a.NewsHL")
	subtitle := row.Find("td div.hover-container div.NewsBL")
	metadata := row.Find("td.small-text")
	link := row.Find("td.small-text a")

	if title.Length() == 0 || subtitle.Length() == 0 || metadata.Length() != 4 || link.Length() == 0 {
		return NewsItem{}, false, nil
	}

	href, _ := link.First().Attr("href")
	href = strings.TrimSpace(href)
	if href == "" {
		return NewsItem{}, false, nil
	}

	category := strings.TrimSpace(metadata.Eq(0).Text())
	if category == hotThreadsCategory {
		return NewsItem{}, false, nil
	}

	dateText := strings.TrimSpace(metadata.Eq(2).Text())
	date, err := time.Parse(codeProjectDateLayout, dateText)
	if err != nil {
		return NewsItem{}, false, fmt.Errorf("%w: bad date %q: %v", ErrStructure, dateText, err)
	}

	return NewsItem{
		Title:         strings.TrimSpace(title.First().Text()),
		Subtitle:      strings.TrimSpace(subtitle.First().Text()),
		URL:           href,
		Source:        strings.TrimSpace(link.First().Text()),
		Category:      category,
		PublishedDate: Day(date),
	}, true, nil
}

func absoluteURL(base *url.URL, href string) string {
	if base == nil || strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
