package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const epubContentType = "application/epub+zip"

// EPUBGenerator はテキスト文書を 1 章だけの EPUB 3 に包みます。
// 組版や画像の取り込みは行いません。
type EPUBGenerator struct {
	now func() time.Time
}

// NewEPUBGenerator は EPUBGenerator を作成します。
func NewEPUBGenerator() *EPUBGenerator {
	return &EPUBGenerator{now: time.Now}
}

func (g *EPUBGenerator) Generate(ctx context.Context, doc *Document) (*Artifact, error) {
	if doc == nil || len(doc.Body) == 0 {
		return nil, fmt.Errorf("document is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	detected := mimetype.Detect(doc.Body)
	if !strings.HasPrefix(detected.String(), "text/") {
		return nil, fmt.Errorf("unsupported source content type %s", detected.String())
	}

	title := doc.Title
	if title == "" {
		title = doc.SubjectID
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	// mimetype は先頭に無圧縮で置く必要があります。
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(epubContentType)); err != nil {
		return nil, err
	}

	files := []struct {
		name string
		body string
	}{
		{"META-INF/container.xml", containerXML},
		{"OEBPS/content.opf", fmt.Sprintf(packageOPF, "urn:uuid:"+uuid.NewString(), html.EscapeString(title), g.now().UTC().Format("2006-01-02T15:04:05Z"))},
		{"OEBPS/nav.xhtml", fmt.Sprintf(navXHTML, html.EscapeString(title))},
		{"OEBPS/chapter.xhtml", fmt.Sprintf(chapterXHTML, html.EscapeString(title), paragraphs(string(doc.Body)))},
	}
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(f.body)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &Artifact{Name: "book.epub", ContentType: epubContentType, Data: buf.Bytes()}, nil
}

func paragraphs(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var b strings.Builder
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(block), "\n", "<br/>"))
		b.WriteString("</p>\n")
	}
	return b.String()
}

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`

const packageOPF = `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="bookid">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="bookid">%s</dc:identifier>
    <dc:title>%s</dc:title>
    <dc:language>ja</dc:language>
    <meta property="dcterms:modified">%s</meta>
  </metadata>
  <manifest>
    <item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>
    <item id="chapter" href="chapter.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine>
    <itemref idref="chapter"/>
  </spine>
</package>
`

const navXHTML = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<head><title>%[1]s</title></head>
<body>
<nav epub:type="toc"><ol><li><a href="chapter.xhtml">%[1]s</a></li></ol></nav>
</body>
</html>
`

const chapterXHTML = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>%s</title></head>
<body>
%s</body>
</html>
`
