package transport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

// ReadMessage читает из потока одно SIP сообщение целиком.
//
// Пустые строки перед стартовой строкой пропускаются: так приходят
// CRLF keep-alive и ответы на них. Конец заголовков определяется пустой
// строкой, длина тела берется из Content-Length (или компактной формы "l").
// Отсутствующий или некорректный Content-Length означает пустое тело.
// Ошибка возвращается только при ошибке чтения или превышении maxSize.
func ReadMessage(r *bufio.Reader, maxSize int) ([]byte, error) {
	var buf bytes.Buffer
	contentLength := 0

	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && (buf.Len() > 0 || len(line) > 0) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			if buf.Len() == 0 {
				continue
			}
			buf.Write(line)
			break
		}

		if maxSize > 0 && buf.Len()+len(line) > maxSize {
			return nil, ErrMessageTooLarge
		}
		buf.Write(line)

		if n, ok := parseContentLength(trimmed); ok {
			contentLength = n
		}
	}

	if contentLength == 0 {
		return buf.Bytes(), nil
	}
	if maxSize > 0 && buf.Len()+contentLength > maxSize {
		return nil, ErrMessageTooLarge
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// parseContentLength разбирает Content-Length. Нечисловое или
// отрицательное значение считается нулем: такое сообщение отбросит
// парсер, а поток останется синхронизированным по пустой строке.
func parseContentLength(line []byte) (int, bool) {
	name, value, found := strings.Cut(string(line), ":")
	if !found {
		return 0, false
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "content-length" && name != "l" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0, true
	}
	return n, true
}
