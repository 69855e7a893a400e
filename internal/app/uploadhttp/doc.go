// Package uploadhttp реализует HTTP API загрузки файлов чанками. Основные эндпоинты:
//   - GET /uploads/{identity}/chunks — индексы уже принятых чанков (докачка).
//   - PUT|POST /uploads/{identity}/chunks/{index} — принимает чанк сырым телом или multipart-полем file.
//   - GET /uploads/{identity} — есть ли проверенный итоговый файл (мгновенная загрузка).
//   - POST /uploads/{identity}/finalize — склеивает чанки и проверяет отпечаток.
//   - /check-chunks, /upload-chunk, /check-file, /merge-chunks — совместимость с первой версией клиента.
//   - GET /health, POST /admin/gc, GET /metrics — служебные.
package uploadhttp
